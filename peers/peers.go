// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/channel"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// Local is a pair of in-memory connected peers, suitable for testing. Each
// peer has its own dispatcher, so handlers registered for A are invoked by
// calls from B, and vice versa.
type Local struct {
	A *conduit.Peer
	B *conduit.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers with default options,
// named "A" and "B".
func NewLocal() *Local {
	return NewLocalWith(&conduit.PeerOptions{Name: "B"}, &conduit.PeerOptions{Name: "A"})
}

// NewLocalWith creates a pair of in-memory connected peers with the given
// options. Note that the Name in each options names the other end of the
// connection. If either options lacks a Dispatcher, a new empty one is used.
func NewLocalWith(aOpts, bOpts *conduit.PeerOptions) *Local {
	a2b, b2a := channel.Pipe()
	return &Local{
		A: conduit.NewPeer(withDispatcher(aOpts)).Start(a2b),
		B: conduit.NewPeer(withDispatcher(bOpts)).Start(b2a),
	}
}

func withDispatcher(opts *conduit.PeerOptions) *conduit.PeerOptions {
	var out conduit.PeerOptions
	if opts != nil {
		out = *opts
	}
	if out.Dispatcher == nil {
		out.Dispatcher = conduit.NewDispatcher(&conduit.DispatcherOptions{Logger: out.Logger})
	}
	return &out
}

// An Accepter accepts inbound connections.
type Accepter interface {
	Accept(context.Context) (conduit.Channel, error)
}

// Loop accepts connections from acc and starts a peer for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *conduit.Peer) error {
	return loop(ctx, acc, func(ch conduit.Channel) (*conduit.Peer, error) {
		return newPeer().Start(ch), nil
	})
}

// Serve accepts connections from lst and starts a peer for each, until lst
// closes or ctx ends. Each peer is registered in dir under a unique name of
// the form "conn-<uuid>" for as long as it is connected, so that its handlers
// can reach it by name. The options for each peer are copied from opts.
func Serve(ctx context.Context, lst net.Listener, dir *conduit.Directory, opts *conduit.PeerOptions) error {
	return loop(ctx, NetAccepter(lst), func(ch conduit.Channel) (*conduit.Peer, error) {
		var po conduit.PeerOptions
		if opts != nil {
			po = *opts
		}
		po.Name = "conn-" + uuid.NewString()
		if c, ok := ch.(net.Conn); ok && c.RemoteAddr() != nil {
			po.Endpoint = c.RemoteAddr().String()
		}
		p := conduit.NewPeer(&po).Start(ch)
		if err := dir.Add(po.Name, p); err != nil {
			p.Stop()
			return nil, fmt.Errorf("register %q: %w", po.Name, err)
		}
		return p, nil
	})
}

func loop(ctx context.Context, acc Accepter, start func(conduit.Channel) (*conduit.Peer, error)) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			peer, err := start(ch)
			if err != nil {
				ch.Close()
				return nil // discard this connection, keep accepting
			}
			stop := context.AfterFunc(ctx, func() { peer.Stop() })
			defer stop()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (conduit.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}
