// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"context"
	"errors"
	"fmt"
)

// A Runtime issues calls and notifications to peers by logical name, using a
// Directory to find or establish the connection for each name. It is the
// invocation surface used by typed method bindings (see package bind).
type Runtime struct {
	dir *Directory
}

// NewRuntime constructs a runtime that locates peers in dir.
// If dir == nil, an empty directory with no resolver is used.
func NewRuntime(dir *Directory) *Runtime {
	if dir == nil {
		dir = NewDirectory(nil)
	}
	return &Runtime{dir: dir}
}

// Directory returns the peer directory used by r.
func (r *Runtime) Directory() *Directory { return r.dir }

// Invoke sends payload to target on the named peer. If awaited is true, the
// payload is sent as a request and Invoke blocks until its response arrives,
// the call times out, ctx ends, or the peer disconnects. Otherwise it is sent
// as a notification, and Invoke returns as soon as it is written, with a nil
// result.
//
// If the peer cannot be resolved, Invoke fails with ErrPeerNotFound and sends
// nothing. An error reported by Invoke has concrete type *CallError.
func (r *Runtime) Invoke(ctx context.Context, peer, target string, payload []byte, awaited bool, opts ...CallOption) ([]byte, error) {
	p, err := r.connect(ctx, peer, target)
	if err != nil {
		return nil, err
	}
	if !awaited {
		return nil, p.SendNotification(target, payload)
	}
	return p.Call(ctx, target, payload, opts...)
}

// Call is shorthand for an awaited Invoke.
func (r *Runtime) Call(ctx context.Context, peer, target string, payload []byte, opts ...CallOption) ([]byte, error) {
	return r.Invoke(ctx, peer, target, payload, true, opts...)
}

// Notify is shorthand for an Invoke that is not awaited.
func (r *Runtime) Notify(ctx context.Context, peer, target string, payload []byte) error {
	_, err := r.Invoke(ctx, peer, target, payload, false)
	return err
}

// Begin sends a request for target to the named peer and returns the handle
// for its response without waiting. An error reported by Begin has concrete
// type *CallError.
func (r *Runtime) Begin(ctx context.Context, peer, target string, payload []byte, opts ...CallOption) (*Call, error) {
	p, err := r.connect(ctx, peer, target)
	if err != nil {
		return nil, err
	}
	return p.SendRequest(target, payload, opts...)
}

// Remote returns a view of r bound to the named peer.
func (r *Runtime) Remote(peer string) Remote { return Remote{rt: r, peer: peer} }

func (r *Runtime) connect(ctx context.Context, peer, target string) (*Peer, error) {
	p, err := r.dir.Connect(ctx, peer)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		return nil, &CallError{Peer: peer, Target: target, Err: err}
	}
	return p, nil
}

// A Remote is a Runtime bound to a single peer name. Its Call and
// SendNotification methods have the same signatures as those of a Peer, but
// find or establish the connection on each use.
type Remote struct {
	rt   *Runtime
	peer string
}

// Peer returns the name of the peer r is bound to.
func (r Remote) Peer() string { return r.peer }

// Call issues an awaited call to target on the remote peer.
func (r Remote) Call(ctx context.Context, target string, data []byte, opts ...CallOption) ([]byte, error) {
	return r.rt.Call(ctx, r.peer, target, data, opts...)
}

// SendNotification sends a notification to target on the remote peer.
func (r Remote) SendNotification(target string, data []byte) error {
	return r.rt.Notify(context.Background(), r.peer, target, data)
}
