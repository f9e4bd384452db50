// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"context"
	"time"

	"github.com/creachadair/mds/value"
)

// DefaultCallTimeout is the deadline applied to outbound calls when neither
// the peer nor the call specifies one.
const DefaultCallTimeout = 30 * time.Second

// PeerOptions are settings for a Peer. A nil *PeerOptions is ready for use
// and provides default values as described.
type PeerOptions struct {
	// Name is the logical name of the remote peer, reported by Identity and
	// in call errors. It may be empty.
	Name string

	// Endpoint is the resolved endpoint of the remote peer, if known.
	Endpoint string

	// Dispatcher routes inbound requests and notifications.
	// If nil, DefaultDispatcher is used.
	Dispatcher *Dispatcher

	// Logger receives diagnostic messages. If nil, DefaultLogger is used.
	Logger Logger

	// MaxFrameSize is the largest frame accepted, in bytes. A larger inbound
	// frame is fatal to the connection; a larger outbound frame fails only
	// its own call. If ≤ 0, DefaultMaxFrameSize is used.
	MaxFrameSize int

	// CallTimeout is the default deadline for outbound calls. If it is
	// absent, DefaultCallTimeout is used; if it is present and zero, calls
	// have no deadline.
	CallTimeout value.Maybe[time.Duration]

	// NewContext, if set, returns a base context for inbound handlers.
	// If nil, context.Background is used.
	NewContext func() context.Context
}

func (o *PeerOptions) name() string {
	if o == nil {
		return ""
	}
	return o.Name
}

func (o *PeerOptions) endpoint() string {
	if o == nil {
		return ""
	}
	return o.Endpoint
}

func (o *PeerOptions) dispatcher() *Dispatcher {
	if o == nil || o.Dispatcher == nil {
		return DefaultDispatcher
	}
	return o.Dispatcher
}

func (o *PeerOptions) logger() Logger {
	if o == nil {
		return DefaultLogger
	}
	return loggerOr(o.Logger)
}

func (o *PeerOptions) maxFrameSize() int {
	if o == nil || o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

func (o *PeerOptions) callTimeout() time.Duration {
	if o == nil {
		return DefaultCallTimeout
	}
	return o.CallTimeout.Or(DefaultCallTimeout).Get()
}

func (o *PeerOptions) newContext() func() context.Context {
	if o == nil || o.NewContext == nil {
		return context.Background
	}
	return o.NewContext
}

// A CallOption adjusts the settings of a single outbound call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout value.Maybe[time.Duration]
}

// WithTimeout sets the deadline for a call to d after it is issued,
// overriding the default for the peer. If d ≤ 0, the call has no deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = value.Just(max(d, 0)) }
}

// deadline returns the deadline for a call issued at now, or zero.
func (o callOptions) deadline(now time.Time, def time.Duration) time.Time {
	if d := o.timeout.Or(def).Get(); d > 0 {
		return now.Add(d)
	}
	return time.Time{}
}

// DispatcherOptions are settings for a Dispatcher. A nil *DispatcherOptions
// is ready for use and provides default values as described.
type DispatcherOptions struct {
	// Logger receives reports of failed notification subscribers and
	// recovered handler panics. If nil, DefaultLogger is used.
	Logger Logger
}

func (o *DispatcherOptions) logger() Logger {
	if o == nil {
		return DefaultLogger
	}
	return loggerOr(o.Logger)
}

// DirectoryOptions are settings for a Directory. A nil *DirectoryOptions is
// ready for use and provides default values as described.
type DirectoryOptions struct {
	// Resolver maps peer names to endpoints. If nil, every name that does
	// not match a registered peer reports ErrPeerNotFound.
	Resolver Resolver

	// Dialer opens a channel to an endpoint. It must be set if Resolver is.
	Dialer Dialer

	// DialTimeout bounds a single connection attempt, independent of the
	// contexts of the callers waiting for it. If ≤ 0, 10 seconds is used.
	DialTimeout time.Duration

	// Peer is the template for the options of peers started by the
	// directory. The Name and Endpoint fields are filled in per peer.
	Peer *PeerOptions
}

func (o *DirectoryOptions) resolver() Resolver {
	if o == nil {
		return nil
	}
	return o.Resolver
}

func (o *DirectoryOptions) dialer() Dialer {
	if o == nil {
		return nil
	}
	return o.Dialer
}

func (o *DirectoryOptions) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return o.DialTimeout
}

// peerOptions returns a copy of the peer template for the given peer.
func (o *DirectoryOptions) peerOptions(name, endpoint string) *PeerOptions {
	var po PeerOptions
	if o != nil && o.Peer != nil {
		po = *o.Peer
	}
	po.Name, po.Endpoint = name, endpoint
	return &po
}
