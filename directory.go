// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"
)

// A Resolver maps a logical peer name to an endpoint. If the name has no
// endpoint, Resolve must report an error wrapping ErrPeerNotFound.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, name string) (string, error)

// Resolve implements the Resolver interface.
func (f ResolverFunc) Resolve(ctx context.Context, name string) (string, error) { return f(ctx, name) }

// A Dialer opens a channel to an endpoint reported by a Resolver.
type Dialer func(ctx context.Context, endpoint string) (Channel, error)

// A Directory is a table of live peers indexed by logical name.
//
// Connect returns the live peer for a name if there is one, and otherwise
// resolves the name, dials its endpoint, and starts a new peer. Concurrent
// attempts to connect to the same name share a single connection attempt.
// A peer is removed from the directory when it disconnects.
type Directory struct {
	resolve Resolver
	dial    Dialer
	opts    *DirectoryOptions

	group singleflight.Group

	μ      sync.Mutex
	peers  map[string]*Peer
	closed bool
}

// errDirectoryClosed is reported by a Directory after Close.
var errDirectoryClosed = errors.New("directory is closed")

// NewDirectory constructs an empty directory. A nil *DirectoryOptions
// provides defaults.
func NewDirectory(opts *DirectoryOptions) *Directory {
	return &Directory{
		resolve: opts.resolver(),
		dial:    opts.dialer(),
		opts:    opts,
		peers:   make(map[string]*Peer),
	}
}

// Lookup returns the live peer registered for name, if any. A peer that has
// closed but not yet been removed is not reported.
func (d *Directory) Lookup(name string) (*Peer, bool) {
	d.μ.Lock()
	defer d.μ.Unlock()
	p, ok := d.peers[name]
	if !ok || p.State() == StateClosed {
		return nil, false
	}
	return p, true
}

// Add registers a started peer under name. The entry is removed when p
// disconnects. Add reports an error if another live peer is registered for
// name, if p is already closed, or if d is closed.
func (d *Directory) Add(name string, p *Peer) error {
	d.μ.Lock()
	if d.closed {
		d.μ.Unlock()
		return errDirectoryClosed
	} else if old, ok := d.peers[name]; ok && old.State() != StateClosed {
		d.μ.Unlock()
		return fmt.Errorf("peer %q is already registered", name)
	} else if p.State() == StateClosed {
		d.μ.Unlock()
		return fmt.Errorf("peer %q: %w", name, ErrDisconnected)
	}
	d.peers[name] = p
	d.μ.Unlock()

	p.OnDisconnect(func(error) { d.drop(name, p) })
	return nil
}

// drop removes the entry for name if it is still p.
func (d *Directory) drop(name string, p *Peer) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.peers[name] == p {
		delete(d.peers, name)
	}
}

// Remove removes the entry for name, if any, and returns its peer. The peer
// is not stopped.
func (d *Directory) Remove(name string) (*Peer, bool) {
	d.μ.Lock()
	defer d.μ.Unlock()
	p, ok := d.peers[name]
	delete(d.peers, name)
	return p, ok
}

// Peers returns the names of the live peers in d, in order.
func (d *Directory) Peers() []string {
	d.μ.Lock()
	defer d.μ.Unlock()
	var out []string
	for name, p := range d.peers {
		if p.State() != StateClosed {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Connect returns the live peer for name, connecting to it if necessary.
//
// If there is no live peer, Connect resolves name to an endpoint, dials it,
// and starts a peer on the resulting channel. Only one such attempt is in
// flight for a name at a time; concurrent callers wait for its outcome, each
// subject to its own ctx. The attempt itself is bounded by the dial timeout
// of the directory rather than by any caller's context.
//
// If name cannot be resolved, Connect reports an error wrapping
// ErrPeerNotFound, and nothing is dialed.
func (d *Directory) Connect(ctx context.Context, name string) (*Peer, error) {
	if p, ok := d.Lookup(name); ok {
		return p, nil
	} else if d.resolve == nil || d.dial == nil {
		return nil, fmt.Errorf("%w: %q", ErrPeerNotFound, name)
	}

	ch := d.group.DoChan(name, func() (any, error) {
		if p, ok := d.Lookup(name); ok {
			return p, nil // connected while we were waiting
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.dialTimeout())
		defer cancel()

		endpoint, err := d.resolve.Resolve(dctx, name)
		if err != nil {
			return nil, err
		}
		conn, err := d.dial(dctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("dial %q: %w", endpoint, err)
		}
		p := NewPeer(d.opts.peerOptions(name, endpoint)).Start(conn)
		if err := d.Add(name, p); err != nil {
			p.Stop()
			return nil, err
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Peer), nil
	}
}

// Close stops all the peers in d and causes subsequent calls to Add to fail.
// It reports any errors from stopping the peers.
func (d *Directory) Close() error {
	d.μ.Lock()
	d.closed = true
	peers := slices.Collect(maps.Values(d.peers))
	clear(d.peers)
	d.μ.Unlock()

	var errs []error
	for _, p := range peers {
		errs = append(errs, p.Stop())
	}
	return errors.Join(errs...)
}
