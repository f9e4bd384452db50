// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"unicode/utf8"
)

// A Handler processes a request from a remote peer. A handler can obtain the
// peer from its context argument using the ContextPeer helper. Handlers for
// requests on the same peer run concurrently, and may block.
//
// The result of a handler is reported to the caller as follows:
//
//   - A nil error: a successful response carrying the returned data.
//   - An error of concrete type ErrorData or *ErrorData: a remote exception
//     with that descriptor.
//   - An error of concrete type *SerializationError: a serialization
//     failure. Use this to report an undecodable request payload.
//   - An error wrapping ErrHandlerNotFound: as if no handler existed.
//   - Any other error: a remote exception whose message is the error text.
//
// A panic in a handler is recovered and reported as a remote exception.
type Handler func(context.Context, *Request) ([]byte, error)

// A Request is an inbound request delivered to a Handler.
type Request struct {
	ID     uint64 // 0 for a local Exec
	Target string
	Data   []byte
}

// A Subscriber receives an inbound notification. Errors and panics from a
// subscriber are logged and otherwise ignored.
type Subscriber func(context.Context, *Notification) error

// A Notification is an inbound notification delivered to a Subscriber.
// Every subscriber for a target receives the same value, which must not be
// modified.
type Notification struct {
	Target string
	Data   []byte
}

// A Dispatcher routes inbound requests to handlers and inbound notifications
// to subscribers, by target name. A Dispatcher may be shared by any number
// of peers, and its methods are safe for concurrent use.
type Dispatcher struct {
	log Logger

	μ        sync.RWMutex
	handlers map[string]Handler
	subs     map[string][]*subscription
}

type subscription struct{ fn Subscriber }

// NewDispatcher constructs an empty dispatcher. A nil *DispatcherOptions
// provides defaults.
func NewDispatcher(opts *DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		log:      opts.logger(),
		handlers: make(map[string]Handler),
		subs:     make(map[string][]*subscription),
	}
}

// DefaultDispatcher is the dispatcher used by peers that do not specify one.
var DefaultDispatcher = NewDispatcher(nil)

// Handle registers a handler for the specified target, replacing any existing
// handler for it. Passing a nil Handler removes any handler for the target.
// Handle returns d to permit chaining. It panics if target is empty, longer
// than MaxTargetLen, or not valid UTF-8.
func (d *Dispatcher) Handle(target string, handler Handler) *Dispatcher {
	mustValidTarget(target)
	d.μ.Lock()
	defer d.μ.Unlock()
	if handler == nil {
		delete(d.handlers, target)
	} else {
		d.handlers[target] = handler
	}
	return d
}

// Subscribe adds a subscriber for notifications to target. Every subscriber
// for a target receives each notification. Subscribe returns a function that
// removes the subscription; calling it more than once is harmless. It panics
// under the same conditions as Handle, or if sub == nil.
func (d *Dispatcher) Subscribe(target string, sub Subscriber) func() {
	mustValidTarget(target)
	if sub == nil {
		panic("nil subscriber")
	}
	s := &subscription{fn: sub}
	d.μ.Lock()
	defer d.μ.Unlock()
	d.subs[target] = append(d.subs[target], s)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.μ.Lock()
			defer d.μ.Unlock()
			rest := slices.DeleteFunc(d.subs[target], func(t *subscription) bool { return t == s })
			if len(rest) == 0 {
				delete(d.subs, target)
			} else {
				d.subs[target] = rest
			}
		})
	}
}

// Targets returns the targets that have a registered handler, in order.
func (d *Dispatcher) Targets() []string {
	d.μ.RLock()
	defer d.μ.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Exec executes the handler for target locally, if one exists, without any
// peer. If no handler is registered for target, Exec reports an error
// wrapping ErrHandlerNotFound. An error reported by Exec has concrete type
// *CallError.
func (d *Dispatcher) Exec(ctx context.Context, target string, data []byte) ([]byte, error) {
	h := d.handler(target)
	if h == nil {
		return nil, &CallError{Target: target, Err: ErrHandlerNotFound}
	}
	rsp, err := d.invoke(ctx, h, &Request{Target: target, Data: data})
	if err != nil {
		return nil, &CallError{Target: target, Err: err}
	}
	return rsp, nil
}

func (d *Dispatcher) handler(target string) Handler {
	d.μ.RLock()
	defer d.μ.RUnlock()
	return d.handlers[target]
}

func (d *Dispatcher) subscribers(target string) []*subscription {
	d.μ.RLock()
	defer d.μ.RUnlock()
	return slices.Clone(d.subs[target])
}

// invoke calls h, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *Request) (_ []byte, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
			logf(d.log, LevelError, err, "target %q", req.Target)
		}
	}()
	return h(ctx, req)
}

// onRequest dispatches an inbound request from p to its handler. The
// handler runs in its own goroutine, and its result is sent back to p.
func (d *Dispatcher) onRequest(p *Peer, msg *Message) {
	peerMetrics.callIn.Add(1)

	// Report a duplicate request ID without disturbing the existing call.
	// Replies are always sent from a separate goroutine, so that the read
	// loop is never blocked on a write.
	ctx, cancel, ok := p.beginRequest(msg.ID)
	if !ok {
		peerMetrics.callInErr.Add(1)
		p.goTask(func() {
			if err := p.sendOut(NewErrorResponse(msg.ID, CodeDuplicateID, ErrorData{
				Message: fmt.Sprintf("request ID %d is already active", msg.ID),
			})); err != nil {
				logf(p.log, LevelDebug, err, "peer %v: sending response %d", p.id, msg.ID)
			}
		})
		return
	}

	h := d.handler(msg.Target)
	if h == nil {
		cancel()
		peerMetrics.callInErr.Add(1)
		logf(d.log, LevelDebug, nil, "peer %v: no handler for %q", p.id, msg.Target)
		p.goTask(func() {
			p.endRequest(NewErrorResponse(msg.ID, CodeHandlerNotFound, ErrorData{
				Message: fmt.Sprintf("no handler for %q", msg.Target),
			}))
		})
		return
	}

	peerMetrics.callActive.Add(1)
	p.goTask(func() {
		defer cancel()
		defer peerMetrics.callActive.Add(-1)

		data, err := d.invoke(ctx, h, &Request{ID: msg.ID, Target: msg.Target, Data: msg.Data})
		if err != nil {
			peerMetrics.callInErr.Add(1)
		}
		p.endRequest(handlerResult(msg.ID, data, err))
	})
}

// onNotification delivers an inbound notification from p to each of its
// subscribers, each in its own goroutine.
func (d *Dispatcher) onNotification(p *Peer, msg *Message) {
	peerMetrics.notifyIn.Add(1)
	subs := d.subscribers(msg.Target)
	if len(subs) == 0 {
		peerMetrics.notifyDropped.Add(1)
		logf(d.log, LevelDebug, nil, "peer %v: no subscribers for %q", p.id, msg.Target)
		return
	}
	note := &Notification{Target: msg.Target, Data: msg.Data}
	for _, s := range subs {
		p.goTask(func() {
			ctx, cancel := p.handlerContext()
			defer cancel()
			if err := d.deliver(ctx, s.fn, note); err != nil {
				peerMetrics.subscriberErr.Add(1)
				logf(d.log, LevelWarn, err, "peer %v: subscriber for %q failed", p.id, msg.Target)
			}
		})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Subscriber, note *Notification) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("subscriber panicked (recovered): %v", x)
		}
	}()
	return s(ctx, note)
}

func mustValidTarget(target string) {
	if target == "" {
		panic("empty target name")
	} else if len(target) > MaxTargetLen {
		panic(fmt.Sprintf("target name too long (%d > %d bytes)", len(target), MaxTargetLen))
	} else if !utf8.ValidString(target) {
		panic("target name is not valid UTF-8")
	}
}
