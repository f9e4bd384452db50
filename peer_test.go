// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package conduit_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/channel"
	"github.com/creachadair/conduit/peers"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestPeer(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
		checkZero := func(m *expvar.Map, name string) {
			v := m.Get(name).(*expvar.Int).Value()
			if v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)

		checkZero(m, "calls_active")
		checkZero(m, "calls_pending")
	}()

	// The test cases send a string in the request that is parsed by
	// parseTestSpec (see below) to control what the handler returns.
	loc.A.Dispatcher().Handle("Test", func(ctx context.Context, req *conduit.Request) ([]byte, error) {
		return parseTestSpec(ctx, string(req.Data))
	}).Handle("IFoo.Add", func(_ context.Context, req *conduit.Request) ([]byte, error) {
		if len(req.Data) != 2 {
			return nil, &conduit.SerializationError{Err: fmt.Errorf("want 2 bytes, got %d", len(req.Data))}
		}
		return []byte{req.Data[0] + req.Data[1]}, nil
	})

	tests := []struct {
		who     *conduit.Peer // peer originating the call
		target  string        // target to call
		input   string        // input for parseTestSpec (generates response)
		want    string        // expected response data, if no error
		errCode conduit.ResultCode
		errData conduit.ErrorData
	}{
		{who: loc.B, target: "Nonesuch", input: "n/a", errCode: conduit.CodeHandlerNotFound},
		{who: loc.A, target: "Test", input: "n/a", errCode: conduit.CodeHandlerNotFound},

		{who: loc.B, target: "Test", input: "ok"},                // success, empty data
		{who: loc.B, target: "Test", input: "ok yay", want: "yay"}, // success, non-empty data

		{who: loc.B, target: "Test", input: "error failure", errCode: conduit.CodeException,
			errData: conduit.ErrorData{Message: "failure"}}, // plain error
		{who: loc.B, target: "Test", input: "edata 17 hey stuff", errCode: conduit.CodeException,
			errData: conduit.ErrorData{Code: 17, Message: "hey", Data: []byte("stuff")}}, // by value
		{who: loc.B, target: "Test", input: "*edata 101 goober nonsense", errCode: conduit.CodeException,
			errData: conduit.ErrorData{Code: 101, Message: "goober", Data: []byte("nonsense")}}, // by pointer
		{who: loc.B, target: "Test", input: "missing", errCode: conduit.CodeHandlerNotFound}, // wrapped sentinel

		{who: loc.B, target: "Test", input: "peer?", want: "present"}, // check context peer
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%s-%s", test.target, test.input), func(t *testing.T) {
			rsp, err := test.who.Call(t.Context(), test.target, []byte(test.input))
			if test.errCode == conduit.CodeSuccess {
				if err != nil {
					t.Fatalf("Call: unexpected error: %v", err)
				} else if got := string(rsp); got != test.want {
					t.Errorf("Call: got %q, want %q", got, test.want)
				}
				return
			}
			if rsp != nil {
				t.Errorf("Call: got response %q with error %v", rsp, err)
			}
			var cerr *conduit.CallError
			if !errors.As(err, &cerr) {
				t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
			}
			t.Logf("CallError: %v", cerr)

			var rerr *conduit.RemoteError
			if !errors.As(err, &rerr) {
				t.Fatalf("Call: got %v, want *RemoteError", err)
			} else if rerr.Code != test.errCode {
				t.Errorf("Call: got code %v, want %v", rerr.Code, test.errCode)
			}
			if test.errCode == conduit.CodeHandlerNotFound {
				if !errors.Is(err, conduit.ErrHandlerNotFound) {
					t.Errorf("Call: got %v, want %v", err, conduit.ErrHandlerNotFound)
				}
				return
			}
			if diff := cmp.Diff(rerr.ErrorData, test.errData, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ErrorData (-got, +want):\n%s", diff)
			}
		})
	}

	t.Run("IFoo.Add", func(t *testing.T) {
		rsp, err := loc.B.Call(t.Context(), "IFoo.Add", []byte{1, 2})
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if diff := cmp.Diff(rsp, []byte{3}); diff != "" {
			t.Errorf("Call (-got, +want):\n%s", diff)
		}

		_, err = loc.B.Call(t.Context(), "IFoo.Add", []byte{1})
		var serr *conduit.SerializationError
		if !errors.As(err, &serr) || !serr.Remote {
			t.Errorf("Call: got %v, want remote *SerializationError", err)
		}
	})
}

// parseTestSpec parses a test request specification from a string, and
// returns a response or error matching the description in s.
//
// Specs:
//
//	ok             -- return an empty successful response
//	ok <data>      -- return a successful response with data
//	error <msg>    -- return a plain error with the given message
//	edata C M D    -- return an ErrorData value with code C, message M, data D
//	*edata C M D   -- as edata, but return a *ErrorData
//	missing        -- return an error wrapping ErrHandlerNotFound
//	peer?          -- report whether the context has a peer
func parseTestSpec(ctx context.Context, s string) ([]byte, error) {
	cmd, rest, _ := strings.Cut(s, " ")
	switch cmd {
	case "ok":
		return []byte(rest), nil
	case "error":
		return nil, errors.New(rest)
	case "edata", "*edata":
		var ed conduit.ErrorData
		parts := strings.SplitN(rest, " ", 3)
		var code int
		fmt.Sscan(parts[0], &code)
		ed.Code = uint16(code)
		ed.Message = parts[1]
		ed.Data = []byte(parts[2])
		if cmd == "edata" {
			return nil, ed
		}
		return nil, &ed
	case "missing":
		return nil, fmt.Errorf("nothing here: %w", conduit.ErrHandlerNotFound)
	case "peer?":
		if conduit.ContextPeer(ctx) != nil {
			return []byte("present"), nil
		}
		return []byte("absent"), nil
	default:
		panic("invalid test spec: " + s)
	}
}

func TestTargetLen(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	tooLong := strings.Repeat("m", conduit.MaxTargetLen+5)

	t.Run("HandleTooLong", func(t *testing.T) {
		got := mtest.MustPanic(t, func() { loc.A.Dispatcher().Handle(tooLong, nil) }).(string)
		if !strings.Contains(got, "name too long") {
			t.Errorf("Handle: got %q, want too long", got)
		}
	})
	t.Run("HandleEmpty", func(t *testing.T) {
		mtest.MustPanic(t, func() { loc.A.Dispatcher().Handle("", nil) })
	})
	t.Run("CallTooLong", func(t *testing.T) {
		var cerr *conduit.CallError
		rsp, err := loc.A.Call(t.Context(), tooLong, nil)
		if rsp != nil {
			t.Errorf("Call: unexpected response: %v", rsp)
		}
		if !errors.As(err, &cerr) {
			t.Errorf("Call: unexpected error: got %v, want CallError", err)
		} else if got := cerr.Err.Error(); !strings.Contains(got, "name too long") {
			t.Errorf("Call: got %q, want too long", got)
		}
	})
	t.Run("NotifyEmpty", func(t *testing.T) {
		if err := loc.A.SendNotification("", nil); err == nil {
			t.Error("SendNotification: got nil, want error")
		}
	})
}

func TestHandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Dispatcher().Handle("Boom", func(context.Context, *conduit.Request) ([]byte, error) {
		panic("kaboom")
	}).Handle("Fine", func(context.Context, *conduit.Request) ([]byte, error) {
		return []byte("fine"), nil
	})

	_, err := loc.B.Call(t.Context(), "Boom", nil)
	var rerr *conduit.RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("Call: got %v, want *RemoteError", err)
	} else if rerr.Code != conduit.CodeException {
		t.Errorf("Call: got code %v, want %v", rerr.Code, conduit.CodeException)
	} else if !strings.Contains(rerr.Message, "kaboom") {
		t.Errorf("Call: got message %q, want kaboom", rerr.Message)
	}

	// The peer survives the panic.
	if rsp, err := loc.B.Call(t.Context(), "Fine", nil); err != nil || string(rsp) != "fine" {
		t.Errorf("Call after panic: got (%q, %v), want fine", rsp, err)
	}
}

func TestHandlerNotFound(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	var sent, recv int
	var μ sync.Mutex
	loc.B.LogFrames(func(fi conduit.FrameInfo) {
		μ.Lock()
		defer μ.Unlock()
		if fi.Sent {
			sent++
		} else {
			recv++
		}
	})

	for range 3 {
		_, err := loc.B.Call(t.Context(), "Missing", []byte("x"))
		if !errors.Is(err, conduit.ErrHandlerNotFound) {
			t.Errorf("Call: got %v, want %v", err, conduit.ErrHandlerNotFound)
		}
	}
	if s := loc.B.State(); s != conduit.StateConnected {
		t.Errorf("State: got %v, want %v", s, conduit.StateConnected)
	}

	μ.Lock()
	defer μ.Unlock()
	if sent != 3 || recv != 3 {
		t.Errorf("Frames: sent %d, received %d; want 3, 3", sent, recv)
	}
}

func TestPeerExec(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Dispatcher().
		Handle("1", func(context.Context, *conduit.Request) ([]byte, error) {
			return []byte("ok"), nil
		}).
		Handle("2", func(ctx context.Context, req *conduit.Request) ([]byte, error) {
			// Forward the request to the handler for 1, should succeed.
			return conduit.ContextPeer(ctx).Dispatcher().Exec(ctx, "1", req.Data)
		}).
		Handle("3", func(ctx context.Context, req *conduit.Request) ([]byte, error) {
			// Forward the request to a missing handler, should fail.
			// The data reported by this handler should not be seen by the caller.
			_, err := conduit.ContextPeer(ctx).Dispatcher().Exec(ctx, "1000", req.Data)
			return []byte("unseen"), err
		})

	if rsp, err := loc.B.Call(t.Context(), "2", nil); err != nil || string(rsp) != "ok" {
		t.Errorf("Call 2: got (%q, %v), want ok", rsp, err)
	}
	rsp, err := loc.B.Call(t.Context(), "3", nil)
	if !errors.Is(err, conduit.ErrHandlerNotFound) {
		t.Errorf("Call 3: got (%q, %v), want %v", rsp, err, conduit.ErrHandlerNotFound)
	}
	if rsp != nil {
		t.Errorf("Call 3: response is %q, want nil", rsp)
	}

	if diff := cmp.Diff(loc.A.Dispatcher().Targets(), []string{"1", "2", "3"}); diff != "" {
		t.Errorf("Targets (-got, +want):\n%s", diff)
	}
}

func TestCallback(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	// A handler on A calls back to B while B is waiting for its reply.
	loc.A.Dispatcher().Handle("Outer", func(ctx context.Context, req *conduit.Request) ([]byte, error) {
		inner, err := conduit.ContextPeer(ctx).Call(ctx, "Inner", req.Data)
		if err != nil {
			return nil, err
		}
		return append([]byte("outer:"), inner...), nil
	})
	loc.B.Dispatcher().Handle("Inner", func(_ context.Context, req *conduit.Request) ([]byte, error) {
		return append([]byte("inner:"), req.Data...), nil
	})

	rsp, err := loc.B.Call(t.Context(), "Outer", []byte("x"))
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	} else if got, want := string(rsp), "outer:inner:x"; got != want {
		t.Errorf("Call: got %q, want %q", got, want)
	}
}

func TestConcurrentHandlers(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	// Each handler waits until all of them have started, which can only
	// happen if they run concurrently.
	const numCalls = 5
	var barrier sync.WaitGroup
	barrier.Add(numCalls)
	loc.A.Dispatcher().Handle("Meet", func(ctx context.Context, req *conduit.Request) ([]byte, error) {
		barrier.Done()
		barrier.Wait()
		return req.Data, nil
	})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	g := taskgroup.New(nil)
	for i := range numCalls {
		g.Go(func() error {
			want := fmt.Sprint(i)
			rsp, err := loc.B.Call(ctx, "Meet", []byte(want))
			if err != nil {
				return err
			} else if string(rsp) != want {
				return fmt.Errorf("call %d: got %q, want %q", i, rsp, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

func TestOutOfOrder(t *testing.T) {
	defer leaktest.Check(t)()

	// One end is a peer, the other is driven by hand.
	ca, cb := channel.Pipe()
	p := conduit.NewPeer(&conduit.PeerOptions{Name: "raw"}).Start(ca)
	defer p.Stop()

	const numCalls = 6
	raw := taskgroup.Go(func() error {
		fr := conduit.NewFrameReader(cb, 0)
		var reqs []*conduit.Message
		for range numCalls {
			msg, err := fr.Next()
			if err != nil {
				return err
			}
			reqs = append(reqs, msg)
		}
		// Reply in reverse order of arrival.
		for i := len(reqs) - 1; i >= 0; i-- {
			rsp := conduit.NewResponse(reqs[i].ID, []byte(reqs[i].Target))
			if _, err := cb.Write(rsp.Encode()); err != nil {
				return err
			}
		}
		return nil
	})

	var calls []*conduit.Call
	for i := range numCalls {
		call, err := p.SendRequest(fmt.Sprintf("T%d", i+1), nil)
		if err != nil {
			t.Fatalf("SendRequest %d: %v", i+1, err)
		}
		if got, want := call.ID(), uint64(i+1); got != want {
			t.Errorf("Call ID: got %d, want %d", got, want)
		}
		calls = append(calls, call)
	}
	if err := raw.Wait(); err != nil {
		t.Fatalf("Raw peer: %v", err)
	}
	for _, call := range calls {
		rsp, err := call.Wait(t.Context())
		if err != nil {
			t.Errorf("Call %d: unexpected error: %v", call.ID(), err)
		} else if string(rsp) != call.Target() {
			t.Errorf("Call %d: got %q, want %q", call.ID(), rsp, call.Target())
		}
	}

	// A response for an ID that is not pending is dropped, and the peer
	// continues normally.
	cb.Write(conduit.NewResponse(100, []byte("stray")).Encode())
	if s := p.State(); s != conduit.StateConnected {
		t.Errorf("State: got %v, want %v", s, conduit.StateConnected)
	}
	cb.Close()
	if err := p.Wait(); err != nil {
		t.Errorf("Wait: got %v, want nil", err)
	}
}

func TestDuplicateID(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	disp := conduit.NewDispatcher(nil).Handle("Block", func(context.Context, *conduit.Request) ([]byte, error) {
		<-release
		return []byte("done"), nil
	})
	ca, cb := channel.Pipe()
	p := conduit.NewPeer(&conduit.PeerOptions{Dispatcher: disp}).Start(ca)
	defer p.Stop()

	fr := conduit.NewFrameReader(cb, 0)
	cb.Write(conduit.NewRequest(3, "Block", nil).Encode())
	cb.Write(conduit.NewRequest(3, "Block", nil).Encode())

	// The duplicate is refused while the original is active.
	msg, err := fr.Next()
	if err != nil {
		t.Fatalf("Read: %v", err)
	} else if msg.ID != 3 || msg.Code != conduit.CodeDuplicateID {
		t.Errorf("Response: got %v, want ID 3 with %v", msg, conduit.CodeDuplicateID)
	}

	close(release)
	msg, err = fr.Next()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(msg, conduit.NewResponse(3, []byte("done"))); diff != "" {
		t.Errorf("Response (-got, +want):\n%s", diff)
	}
	cb.Close()
}

func TestDisconnect(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	ready := make(chan struct{})
	exited := make(chan struct{})
	loc.A.Dispatcher().Handle("Stall", func(ctx context.Context, _ *conduit.Request) ([]byte, error) {
		defer close(exited)
		close(ready)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var nb int
	var berr error
	loc.B.OnDisconnect(func(err error) { nb++; berr = err })

	call, err := loc.B.SendRequest("Stall", nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	<-ready

	// Stopping A closes the channel. Its handler is canceled, and the
	// pending call on B fails.
	if err := loc.A.Stop(); err != nil {
		t.Errorf("Stop A: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for handler to exit")
	}

	if _, err := call.Wait(t.Context()); !errors.Is(err, conduit.ErrDisconnected) {
		t.Errorf("Call: got %v, want %v", err, conduit.ErrDisconnected)
	}
	<-loc.B.Done()
	if s := loc.B.State(); s != conduit.StateClosed {
		t.Errorf("State B: got %v, want %v", s, conduit.StateClosed)
	}
	if nb != 1 || berr != nil {
		t.Errorf("OnDisconnect: called %d times with %v, want once with nil", nb, berr)
	}

	// New calls fail immediately.
	if _, err := loc.B.Call(t.Context(), "Stall", nil); !errors.Is(err, conduit.ErrDisconnected) {
		t.Errorf("Call after close: got %v, want %v", err, conduit.ErrDisconnected)
	}
	if err := loc.B.SendNotification("Stall", nil); !errors.Is(err, conduit.ErrDisconnected) {
		t.Errorf("Notify after close: got %v, want %v", err, conduit.ErrDisconnected)
	}

	// A late subscriber is called immediately.
	var late bool
	loc.B.OnDisconnect(func(error) { late = true })
	if !late {
		t.Error("OnDisconnect after close was not called")
	}
	if nb != 1 {
		t.Errorf("OnDisconnect: called %d times, want 1", nb)
	}
}

func TestFrameFatal(t *testing.T) {
	defer leaktest.Check(t)()

	var nd int
	var derr error
	ca, cb := channel.Pipe()
	p := conduit.NewPeer(nil).OnDisconnect(func(err error) { nd++; derr = err }).Start(ca)
	defer cb.Close()

	cb.Write([]byte("\x00\x00\x00\x01\x00"))
	err := p.Wait()
	var ferr *conduit.FrameError
	if !errors.As(err, &ferr) {
		t.Errorf("Wait: got %v, want *FrameError", err)
	}
	if nd != 1 || !errors.As(derr, &ferr) {
		t.Errorf("OnDisconnect: called %d times with %v, want once with *FrameError", nd, derr)
	}
	if err := p.Stop(); !errors.As(err, &ferr) {
		t.Errorf("Stop: got %v, want *FrameError", err)
	}
}

func TestFrameSize(t *testing.T) {
	defer leaktest.Check(t)()

	const maxFrame = 1 << 10
	loc := peers.NewLocalWith(
		&conduit.PeerOptions{Name: "B", MaxFrameSize: maxFrame},
		&conduit.PeerOptions{Name: "A", MaxFrameSize: maxFrame},
	)
	defer loc.Stop()

	release := make(chan struct{})
	big := make([]byte, 4*maxFrame)
	loc.B.Dispatcher().Handle("Slow", func(ctx context.Context, _ *conduit.Request) ([]byte, error) {
		<-release
		return []byte("slow"), nil
	}).Handle("Echo", func(_ context.Context, req *conduit.Request) ([]byte, error) {
		return req.Data, nil
	}).Handle("Grow", func(context.Context, *conduit.Request) ([]byte, error) {
		return big, nil
	})

	slow, err := loc.A.SendRequest("Slow", nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	// An oversized request or notification fails locally, and nothing is sent.
	var serr *conduit.SerializationError
	if _, err := loc.A.Call(t.Context(), "Big", big); !errors.As(err, &serr) || serr.Remote {
		t.Errorf("Call Big: got %v, want local *SerializationError", err)
	}
	if err := loc.A.SendNotification("Big", big); !errors.As(err, &serr) || serr.Remote {
		t.Errorf("Notify Big: got %v, want local *SerializationError", err)
	}

	// An oversized response is replaced by a serialization failure.
	if _, err := loc.A.Call(t.Context(), "Grow", nil); !errors.As(err, &serr) || !serr.Remote {
		t.Errorf("Call Grow: got %v, want remote *SerializationError", err)
	}

	// The connection and the unrelated pending call are unaffected.
	if rsp, err := loc.A.Call(t.Context(), "Echo", []byte("ok")); err != nil || string(rsp) != "ok" {
		t.Errorf("Call Echo: got (%q, %v), want ok", rsp, err)
	}
	close(release)
	if rsp, err := slow.Wait(t.Context()); err != nil || string(rsp) != "slow" {
		t.Errorf("Call Slow: got (%q, %v), want slow", rsp, err)
	}
	for _, p := range []*conduit.Peer{loc.A, loc.B} {
		if s := p.State(); s != conduit.StateConnected {
			t.Errorf("State %v: got %v, want %v", p.Identity().Name, s, conduit.StateConnected)
		}
	}
}

func TestState(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Lifecycle", func(t *testing.T) {
		ca, cb := channel.Pipe()
		defer cb.Close()

		p := conduit.NewPeer(nil)
		if s := p.State(); s != conduit.StateConnecting {
			t.Errorf("New: got %v, want %v", s, conduit.StateConnecting)
		}
		if _, err := p.SendRequest("X", nil); !errors.Is(err, conduit.ErrDisconnected) {
			t.Errorf("SendRequest before start: got %v, want %v", err, conduit.ErrDisconnected)
		}

		p.Start(ca)
		if s := p.State(); s != conduit.StateConnected {
			t.Errorf("Start: got %v, want %v", s, conduit.StateConnected)
		}
		mtest.MustPanic(t, func() { p.Start(ca) })

		if err := p.Stop(); err != nil {
			t.Errorf("Stop: unexpected error: %v", err)
		}
		if s := p.State(); s != conduit.StateClosed {
			t.Errorf("Stop: got %v, want %v", s, conduit.StateClosed)
		}
		mtest.MustPanic(t, func() { p.Start(ca) })
	})

	t.Run("StopUnstarted", func(t *testing.T) {
		var called bool
		p := conduit.NewPeer(nil).OnDisconnect(func(error) { called = true })
		if err := p.Stop(); err != nil {
			t.Errorf("Stop: unexpected error: %v", err)
		}
		if s := p.State(); s != conduit.StateClosed {
			t.Errorf("Stop: got %v, want %v", s, conduit.StateClosed)
		}
		if !called {
			t.Error("OnDisconnect was not called")
		}
		if err := p.SendNotification("X", nil); !errors.Is(err, conduit.ErrDisconnected) {
			t.Errorf("SendNotification: got %v, want %v", err, conduit.ErrDisconnected)
		}
	})

	t.Run("Identity", func(t *testing.T) {
		p := conduit.NewPeer(&conduit.PeerOptions{Name: "Server", Endpoint: "/tmp/server.sock"})
		defer p.Stop()
		q := conduit.NewPeer(&conduit.PeerOptions{Name: "Server"})
		defer q.Stop()

		id := p.Identity()
		if id.Name != "Server" || id.Endpoint != "/tmp/server.sock" {
			t.Errorf("Identity: got %v, want Server@/tmp/server.sock", id)
		}
		if id.ConnID == q.Identity().ConnID {
			t.Errorf("Identity: connection IDs are not unique (%v)", id.ConnID)
		}
	})
}

func TestNotifications(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	got := make(chan string, 2)
	d := loc.A.Dispatcher()
	d.Subscribe("Event", func(context.Context, *conduit.Notification) error {
		panic("bad subscriber")
	})
	d.Subscribe("Event", func(context.Context, *conduit.Notification) error {
		return errors.New("unhappy subscriber")
	})
	d.Subscribe("Event", func(ctx context.Context, n *conduit.Notification) error {
		if conduit.ContextPeer(ctx) == nil {
			t.Error("Subscriber context has no peer")
		}
		got <- string(n.Data)
		return nil
	})
	unsub := d.Subscribe("Event", func(_ context.Context, n *conduit.Notification) error {
		got <- "removed: " + string(n.Data)
		return nil
	})
	unsub()
	unsub() // harmless

	d.Handle("Ping", func(context.Context, *conduit.Request) ([]byte, error) { return []byte("pong"), nil })

	// A notification with no subscribers is dropped.
	if err := loc.B.SendNotification("Nobody", []byte("ignored")); err != nil {
		t.Errorf("SendNotification: unexpected error: %v", err)
	}
	if err := loc.B.SendNotification("Event", []byte("hello")); err != nil {
		t.Errorf("SendNotification: unexpected error: %v", err)
	}
	select {
	case s := <-got:
		if s != "hello" {
			t.Errorf("Notification: got %q, want hello", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for notification")
	}

	// Failed subscribers do not disturb the connection.
	if rsp, err := loc.B.Call(t.Context(), "Ping", nil); err != nil || string(rsp) != "pong" {
		t.Errorf("Call: got (%q, %v), want pong", rsp, err)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	select {
	case s := <-got:
		t.Errorf("Unexpected notification: %q", s)
	default:
	}
}

func TestCallTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocalWith(nil, &conduit.PeerOptions{
		CallTimeout: value.Just(50 * time.Millisecond),
	})
	defer loc.Stop()

	release := make(chan struct{})
	loc.A.Dispatcher().Handle("Slow", func(context.Context, *conduit.Request) ([]byte, error) {
		<-release
		return []byte("late"), nil
	}).Handle("Fast", func(context.Context, *conduit.Request) ([]byte, error) {
		return []byte("ok"), nil
	})
	defer close(release)

	t.Run("PeerDefault", func(t *testing.T) {
		start := time.Now()
		_, err := loc.B.Call(t.Context(), "Slow", nil)
		if !errors.Is(err, conduit.ErrTimeout) {
			t.Errorf("Call: got %v, want %v", err, conduit.ErrTimeout)
		}
		if d := time.Since(start); d < 50*time.Millisecond {
			t.Errorf("Call returned after %v, want ≥ 50ms", d)
		}
	})
	t.Run("WithTimeout", func(t *testing.T) {
		_, err := loc.B.Call(t.Context(), "Slow", nil, conduit.WithTimeout(10*time.Millisecond))
		if !errors.Is(err, conduit.ErrTimeout) {
			t.Errorf("Call: got %v, want %v", err, conduit.ErrTimeout)
		}
	})
	t.Run("NoDeadline", func(t *testing.T) {
		call, err := loc.B.SendRequest("Slow", nil, conduit.WithTimeout(0))
		if err != nil {
			t.Fatalf("SendRequest: %v", err)
		}
		if !call.Deadline().IsZero() {
			t.Errorf("Deadline: got %v, want zero", call.Deadline())
		}
		call.Cancel()
		if _, err := call.Wait(t.Context()); !errors.Is(err, conduit.ErrCanceled) {
			t.Errorf("Wait: got %v, want %v", err, conduit.ErrCanceled)
		}
	})
	t.Run("ContextCanceled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		_, err := loc.B.Call(ctx, "Slow", nil, conduit.WithTimeout(time.Hour))
		if !errors.Is(err, conduit.ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Call: got %v, want %v", err, conduit.ErrCanceled)
		}
	})

	// The peer remains usable after abandoned calls.
	if rsp, err := loc.B.Call(t.Context(), "Fast", nil); err != nil || string(rsp) != "ok" {
		t.Errorf("Call: got (%q, %v), want ok", rsp, err)
	}
}

func TestLogFrames(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Dispatcher().Handle("Echo", func(_ context.Context, req *conduit.Request) ([]byte, error) {
		return req.Data, nil
	})

	var μ sync.Mutex
	var log []conduit.FrameInfo
	loc.B.LogFrames(func(fi conduit.FrameInfo) {
		μ.Lock()
		defer μ.Unlock()
		log = append(log, fi)
	})

	if _, err := loc.B.Call(t.Context(), "Echo", []byte("hi")); err != nil {
		t.Fatalf("Call: %v", err)
	}
	loc.B.LogFrames(nil)
	if _, err := loc.B.Call(t.Context(), "Echo", []byte("unlogged")); err != nil {
		t.Fatalf("Call: %v", err)
	}

	μ.Lock()
	defer μ.Unlock()
	want := []conduit.FrameInfo{
		{Message: conduit.NewRequest(1, "Echo", []byte("hi")), Sent: true},
		{Message: conduit.NewResponse(1, []byte("hi"))},
	}
	if diff := cmp.Diff(log, want); diff != "" {
		t.Errorf("Frame log (-got, +want):\n%s", diff)
	}
}
