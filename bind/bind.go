// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package bind provides typed bindings between Go functions and conduit
// targets.
//
// A [Method] names a target and the codecs for its parameters and result.
// On the serving side, it adapts a typed function to a conduit.Handler:
//
//	var add = bind.Method[Pair, int]{
//	   Name:   "Math.Add",
//	   Params: bind.JSON[Pair](),
//	   Result: bind.JSON[int](),
//	}
//
//	add.Register(disp, func(ctx context.Context, p Pair) (int, error) {
//	   return p.X + p.Y, nil
//	})
//
// On the calling side, it encodes the parameters, issues the call, and
// decodes the result:
//
//	sum, err := add.Call(ctx, peer, Pair{X: 1, Y: 2})
//
// An [Event] does the same for notifications, which have no result.
//
// A [Table] collects the bindings of a set of methods and events by name,
// for callers that choose the target at run time.
package bind

import (
	"context"

	"github.com/creachadair/conduit"
)

// A Caller issues calls to targets on a remote peer.
// Both *conduit.Peer and conduit.Remote implement this interface.
type Caller interface {
	Call(ctx context.Context, target string, data []byte, opts ...conduit.CallOption) ([]byte, error)
}

// A Notifier sends notifications to targets on a remote peer.
// Both *conduit.Peer and conduit.Remote implement this interface.
type Notifier interface {
	SendNotification(target string, data []byte) error
}

// A Client can both call and notify a remote peer.
type Client interface {
	Caller
	Notifier
}

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package has this value.
func ContextRequest(ctx context.Context) *conduit.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*conduit.Request)
	}
	return nil
}

// A Method binds a target name to codecs for its parameters and result.
type Method[P, R any] struct {
	Name   string
	Params Codec[P]
	Result Codec[R]
}

// Call encodes params, calls the method on c, and decodes the result.
// An error reported by Call has concrete type *conduit.CallError. Encoding
// and decoding failures wrap a *conduit.SerializationError.
func (m Method[P, R]) Call(ctx context.Context, c Caller, params P, opts ...conduit.CallOption) (R, error) {
	var zero R
	data, err := m.Params.Encode(params)
	if err != nil {
		return zero, m.codecError(err)
	}
	rsp, err := c.Call(ctx, m.Name, data, opts...)
	if err != nil {
		return zero, err
	}
	out, err := m.Result.Decode(rsp)
	if err != nil {
		return zero, m.codecError(err)
	}
	return out, nil
}

// Handler adapts f to a conduit.Handler for m. A request whose payload
// cannot be decoded is answered with a serialization error, as is a result
// that cannot be encoded. The context passed to f carries the original
// request (see ContextRequest).
func (m Method[P, R]) Handler(f func(context.Context, P) (R, error)) conduit.Handler {
	return func(ctx context.Context, req *conduit.Request) ([]byte, error) {
		p, err := m.Params.Decode(req.Data)
		if err != nil {
			return nil, &conduit.SerializationError{Target: m.Name, Err: err}
		}
		r, err := f(context.WithValue(ctx, reqContextKey{}, req), p)
		if err != nil {
			return nil, err
		}
		out, err := m.Result.Encode(r)
		if err != nil {
			return nil, &conduit.SerializationError{Target: m.Name, Err: err}
		}
		return out, nil
	}
}

// Register registers a handler for m on d that calls f, and returns m.
func (m Method[P, R]) Register(d *conduit.Dispatcher, f func(context.Context, P) (R, error)) Method[P, R] {
	d.Handle(m.Name, m.Handler(f))
	return m
}

// Binding returns the binding for m, suitable for a Table.
func (m Method[P, R]) Binding() Binding {
	return Binding{
		Name: m.Name,
		Kind: KindCall,
		Encode: func(v any) ([]byte, error) {
			p, ok := v.(P)
			if !ok {
				return nil, typeError[P](v)
			}
			return m.Params.Encode(p)
		},
		Decode: func(data []byte) (any, error) { return m.Result.Decode(data) },
		Invoke: func(ctx context.Context, c Client, data []byte, opts ...conduit.CallOption) ([]byte, error) {
			return c.Call(ctx, m.Name, data, opts...)
		},
	}
}

func (m Method[P, R]) codecError(err error) error {
	return &conduit.CallError{Target: m.Name, Err: &conduit.SerializationError{Target: m.Name, Err: err}}
}

// An Event binds a notification target name to a codec for its payload.
type Event[P any] struct {
	Name   string
	Params Codec[P]
}

// Notify encodes params and sends them as a notification via n.
// An error reported by Notify has concrete type *conduit.CallError.
func (e Event[P]) Notify(n Notifier, params P) error {
	data, err := e.Params.Encode(params)
	if err != nil {
		return &conduit.CallError{Target: e.Name, Err: &conduit.SerializationError{Target: e.Name, Err: err}}
	}
	return n.SendNotification(e.Name, data)
}

// Subscriber adapts f to a conduit.Subscriber for e. A notification whose
// payload cannot be decoded is reported as a *conduit.SerializationError.
func (e Event[P]) Subscriber(f func(context.Context, P) error) conduit.Subscriber {
	return func(ctx context.Context, note *conduit.Notification) error {
		p, err := e.Params.Decode(note.Data)
		if err != nil {
			return &conduit.SerializationError{Target: e.Name, Err: err}
		}
		return f(ctx, p)
	}
}

// Subscribe subscribes f to e on d, and returns a function that removes the
// subscription.
func (e Event[P]) Subscribe(d *conduit.Dispatcher, f func(context.Context, P) error) func() {
	return d.Subscribe(e.Name, e.Subscriber(f))
}

// Binding returns the binding for e, suitable for a Table.
func (e Event[P]) Binding() Binding {
	return Binding{
		Name: e.Name,
		Kind: KindNotify,
		Encode: func(v any) ([]byte, error) {
			p, ok := v.(P)
			if !ok {
				return nil, typeError[P](v)
			}
			return e.Params.Encode(p)
		},
		Decode: func([]byte) (any, error) { return nil, nil },
		Invoke: func(_ context.Context, c Client, data []byte, _ ...conduit.CallOption) ([]byte, error) {
			return nil, c.SendNotification(e.Name, data)
		},
	}
}
