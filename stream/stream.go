// Package stream provides helpers for implementing streaming calls, where a
// single call yields a sequence of response payloads.
//
// The caller registers a handler for a random capability target on the
// dispatcher of its own peer, and appends the capability to the request.
// The remote handler delivers each value by calling the capability, and the
// stream ends when the original call returns.
package stream

import (
	"context"
	"crypto/rand"
	"errors"
	"iter"
	"slices"
	"strings"

	"github.com/creachadair/conduit"
)

// A capability is a target name with a random suffix, which is not feasible
// to guess. It is valid only for the lifetime of one streaming call.
const (
	capabilityPrefix = "stream/"
	capabilityLen    = len(capabilityPrefix) + 26 // rand.Text
)

// mkCapability returns a random capability.
func mkCapability() string { return capabilityPrefix + rand.Text() }

// getCapability removes a capability from the end of req.Data and returns it.
func getCapability(req *conduit.Request) (string, error) {
	if len(req.Data) < capabilityLen {
		return "", errors.New("payload too short")
	}
	ret := string(req.Data[len(req.Data)-capabilityLen:])
	if !strings.HasPrefix(ret, capabilityPrefix) {
		return "", errors.New("payload has no capability")
	}
	// Trim the slice capacity so that a handler can't just grow the slice
	// and recover the capability.
	req.Data = slices.Clip(req.Data[:len(req.Data)-capabilityLen])
	return ret, nil
}

// Call calls target on peer with the given request, and yields the stream of
// responses. The stream ends when the remote handler returns, or when ctx is
// canceled. The call options apply to the call as a whole, so a stream that
// may run longer than the default call timeout should set its own.
//
// The returned iterator yields zero or more (bs, nil) values. If the call
// ends unsuccessfully, the iterator ends the stream with a final (nil, err)
// tuple.
func Call(ctx context.Context, peer *conduit.Peer, target string, req []byte, opts ...conduit.CallOption) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		capability := mkCapability()
		disp := peer.Dispatcher()

		ctx, cancel := context.WithCancel(ctx)

		// The capability handler runs in a goroutine of the peer, and we
		// cannot yield from there. Pass values back through a channel.
		vals := make(chan []byte)
		disp.Handle(capability, func(callbackCtx context.Context, req *conduit.Request) ([]byte, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			select {
			case vals <- req.Data:
				return nil, nil
			case <-ctx.Done():
				// The caller has stopped listening. This also turns away a
				// handler that calls the capability after the stream ended,
				// in the window before it is unregistered.
				return nil, ctx.Err()
			case <-callbackCtx.Done():
				// The peer is closing; the call below will report why.
				return nil, callbackCtx.Err()
			}
		})

		// The capability is unregistered only after the call has ended, and
		// the iterator does not return before then.
		errch := make(chan error, 1)
		done := make(chan struct{})
		defer func() { cancel(); <-done }()
		go func() {
			defer close(done)
			defer disp.Handle(capability, nil)
			_, err := peer.Call(ctx, target, slices.Concat(req, []byte(capability)), opts...)
			if ctx.Err() != nil {
				// Report a local cancellation as such, however it surfaced.
				errch <- ctx.Err()
			} else {
				errch <- err
			}
		}()

		for {
			select {
			case v := <-vals:
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(v, nil) {
					// Returning cancels the context of the call and of the
					// capability handler, so they unwind on their own.
					return
				}
			case err := <-errch:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of conduit.Handler that yields a stream of
// responses, rather than a single value. The returned iterator is expected
// to only yield a non-nil error as its final element, following zero or more
// error-free tuples.
type HandlerFunc func(context.Context, *conduit.Request) iter.Seq2[[]byte, error]

// Handle registers fn as the handler for target on d. The handler must be
// invoked with [Call].
func Handle(d *conduit.Dispatcher, target string, fn HandlerFunc) {
	d.Handle(target, func(ctx context.Context, req *conduit.Request) ([]byte, error) {
		capability, err := getCapability(req)
		if err != nil {
			return nil, &conduit.SerializationError{Target: target, Err: err}
		}

		peer := conduit.ContextPeer(ctx)
		for rsp, err := range fn(ctx, req) {
			if err != nil {
				return nil, err
			}
			// The iterator may not obey cancellation on its own.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := peer.Call(ctx, capability, rsp); err != nil {
				return nil, err
			}
		}

		// The iterator may have stopped early on cancellation without
		// yielding an error.
		return nil, ctx.Err()
	})
}
