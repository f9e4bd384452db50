// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// A Correlator tracks the outbound calls of a peer that are awaiting
// responses, and matches each response to its call by request ID.
//
// Every registered call is retired exactly once, by whichever of Resolve,
// Cancel, timeout, or Close happens first. The others are no-ops for that ID.
type Correlator struct {
	log  Logger
	peer string // for error reports

	μ      sync.Mutex
	calls  map[uint64]*Call
	closed error // if non-nil, the correlator is closed
}

// NewCorrelator constructs an empty correlator. If lg == nil, DefaultLogger
// is used.
func NewCorrelator(lg Logger) *Correlator {
	return &Correlator{log: loggerOr(lg), calls: make(map[uint64]*Call)}
}

// Register creates a pending call for id. If deadline is non-zero, the call
// fails with ErrTimeout if it is not otherwise retired by then.
//
// Register reports an error if id is already pending, or if c is closed.
func (c *Correlator) Register(id uint64, deadline time.Time) (*Call, error) {
	return c.register(id, "", deadline)
}

func (c *Correlator) register(id uint64, target string, deadline time.Time) (*Call, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed != nil {
		return nil, c.closed
	} else if _, ok := c.calls[id]; ok {
		return nil, fmt.Errorf("request ID %d is already pending", id)
	}
	call := &Call{
		id:       id,
		peer:     c.peer,
		target:   target,
		deadline: deadline,
		corr:     c,
		done:     make(chan struct{}),
	}
	if !deadline.IsZero() {
		call.timer = time.AfterFunc(time.Until(deadline), func() { c.expire(call) })
	}
	c.calls[id] = call
	peerMetrics.callPending.Add(1)
	return call, nil
}

// Resolve completes the pending call for id with the given result. If err is
// nil the call succeeds with data, otherwise it fails with err. Resolve
// reports whether a pending call was found; a result for an ID that is not
// pending (already resolved, timed out, canceled, or never issued) is logged
// and discarded.
func (c *Correlator) Resolve(id uint64, data []byte, err error) bool {
	call := c.take(id)
	if call == nil {
		peerMetrics.responseDropped.Add(1)
		logf(c.log, LevelDebug, err, "peer %q: dropped result for request %d (not pending)", c.peer, id)
		return false
	}
	call.complete(data, err)
	return true
}

// Cancel retires the pending call for id, and its caller receives
// ErrCanceled. Cancellation is local: it does not affect the remote handler,
// and a response that arrives later is discarded. Cancel reports whether a
// pending call was found.
func (c *Correlator) Cancel(id uint64) bool {
	call := c.take(id)
	if call == nil {
		return false
	}
	call.complete(nil, ErrCanceled)
	return true
}

// Sweep fails every pending call whose deadline is at or before now with
// ErrTimeout, and reports how many calls it retired.
func (c *Correlator) Sweep(now time.Time) int {
	c.μ.Lock()
	var expired []*Call
	for id, call := range c.calls {
		if !call.deadline.IsZero() && !now.Before(call.deadline) {
			delete(c.calls, id)
			expired = append(expired, call)
		}
	}
	c.μ.Unlock()

	for _, call := range expired {
		c.timedOut(call)
	}
	return len(expired)
}

// Close fails every pending call with ErrDisconnected and causes subsequent
// calls to Register to fail. If cause != nil, it is wrapped into the reported
// error. Close reports the number of calls it retired. Calling Close more
// than once has no further effect.
func (c *Correlator) Close(cause error) int {
	fail := ErrDisconnected
	if cause != nil && !errors.Is(cause, ErrDisconnected) {
		fail = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}

	c.μ.Lock()
	if c.closed != nil {
		c.μ.Unlock()
		return 0
	}
	c.closed = fail
	calls := c.calls
	c.calls = make(map[uint64]*Call)
	c.μ.Unlock()

	for _, call := range calls {
		call.complete(nil, fail)
	}
	return len(calls)
}

// Len reports the number of calls currently pending.
func (c *Correlator) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.calls)
}

// take removes and returns the pending call for id, or nil.
func (c *Correlator) take(id uint64) *Call {
	c.μ.Lock()
	defer c.μ.Unlock()
	call, ok := c.calls[id]
	if ok {
		delete(c.calls, id)
	}
	return call
}

// expire is invoked by the deadline timer of call.
func (c *Correlator) expire(call *Call) {
	c.μ.Lock()
	cur, ok := c.calls[call.id]
	if !ok || cur != call {
		c.μ.Unlock()
		return // already retired
	}
	delete(c.calls, call.id)
	c.μ.Unlock()
	c.timedOut(call)
}

func (c *Correlator) timedOut(call *Call) {
	peerMetrics.callTimeout.Add(1)
	logf(c.log, LevelDebug, nil, "peer %q: request %d for %q timed out", c.peer, call.id, call.target)
	call.complete(nil, ErrTimeout)
}

// A Call is the handle for an outbound call awaiting its response.
// Use Wait to block for the result, or Cancel to abandon it.
type Call struct {
	id       uint64
	peer     string
	target   string
	deadline time.Time
	corr     *Correlator
	timer    *time.Timer
	done     chan struct{}

	// Set by complete, before done is closed.
	data []byte
	err  error
}

// ID reports the request ID of the call.
func (c *Call) ID() uint64 { return c.id }

// Target reports the target name of the call.
func (c *Call) Target() string { return c.target }

// Deadline reports the deadline of the call, or the zero time if it has none.
func (c *Call) Deadline() time.Time { return c.deadline }

// Done returns a channel that is closed when the call is retired.
func (c *Call) Done() <-chan struct{} { return c.done }

// Cancel abandons the call if it is still pending, and reports whether it
// did so. The waiter receives ErrCanceled.
func (c *Call) Cancel() bool { return c.corr.Cancel(c.id) }

// Result reports the result of a retired call. It must not be called until
// Done is closed. A non-nil error has concrete type *CallError.
func (c *Call) Result() ([]byte, error) {
	if c.err != nil {
		return nil, &CallError{Peer: c.peer, Target: c.target, ID: c.id, Err: c.err}
	}
	return c.data, nil
}

// Wait blocks until the call is retired or ctx ends, and returns its result.
// If ctx ends first, the call is canceled and Wait reports an error wrapping
// both ErrCanceled and the context's error. A non-nil error has concrete type
// *CallError.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		if !c.Cancel() {
			<-c.done // retired concurrently; report what happened
			return c.Result()
		}
		return nil, &CallError{
			Peer: c.peer, Target: c.target, ID: c.id,
			Err: fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()),
		}
	}
}

// complete records the result of c and wakes its waiters. The caller must
// have removed c from its correlator, which guarantees this happens once.
func (c *Call) complete(data []byte, err error) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.data, c.err = data, err
	peerMetrics.callPending.Add(-1)
	close(c.done)
}
