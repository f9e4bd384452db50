// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package conduit implements a cross-process remote procedure call runtime
// over local interprocess pipes.
//
// Processes on one machine exchange length-prefixed binary frames over a
// shared byte stream, such as a Unix domain socket, a Windows named pipe, or
// the stdin and stdout of a child process. Either side may issue requests,
// which are answered by responses, and notifications, which are not.
//
// # Peers
//
// The core type defined by this package is the [Peer]. A peer owns one
// [Channel], runs a single read loop over it, and serializes its writes so
// that concurrently issued calls never interleave their frames.
//
// To create a new, unstarted peer:
//
//	p := conduit.NewPeer(nil)
//
// To start the read loop, call the Start method with a channel connected
// to another peer:
//
//	p.Start(ch)
//
// The peer runs until [Peer.Stop] is called, the channel is closed by the
// remote peer, or a malformed frame arrives. Closing is terminal. Call
// [Peer.Wait] to wait for the peer to exit and return its status:
//
//	if err := p.Wait(); err != nil {
//	   log.Fatalf("Peer failed: %v", err)
//	}
//
// Use [Peer.OnDisconnect] or [Peer.Done] to learn when a peer closes.
//
// # Calls
//
// A call is an exchange between two peers consisting of a request and the
// corresponding response. Each request carries a target name and an ID
// assigned by the caller. Responses may arrive in any order, and are matched
// to their calls by ID.
//
//	rsp, err := p.Call(ctx, "IFoo.Add", []byte{1, 2})
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Use [Peer.SendRequest] to issue a call without waiting for it, and
// [Call.Wait] to collect its result later. Every call has a deadline,
// [DefaultCallTimeout] unless otherwise configured (see [WithTimeout]).
// Canceling a call is local: the remote handler is not informed, and a
// response that arrives later is discarded.
//
// Errors reported for calls have concrete type [*CallError]. Use errors.Is
// with [ErrTimeout], [ErrDisconnected], [ErrCanceled], [ErrPeerNotFound], or
// [ErrHandlerNotFound], or errors.As with [*RemoteError] or
// [*SerializationError], to distinguish failures.
//
// # Handlers
//
// Inbound requests and notifications are routed by a [Dispatcher]. Unless a
// peer is given its own, it uses [DefaultDispatcher]:
//
//	func add(ctx context.Context, req *conduit.Request) ([]byte, error) {
//	   return []byte{req.Data[0] + req.Data[1]}, nil
//	}
//
//	conduit.DefaultDispatcher.Handle("IFoo.Add", add)
//
// Each request runs its handler in a separate goroutine, so a slow handler
// does not delay other requests on the same peer. A handler may call back to
// the peer that invoked it, via [ContextPeer]. A request for a target with
// no handler is answered with [CodeHandlerNotFound], and the connection
// remains usable.
//
// Notifications are delivered to every [Subscriber] registered for their
// target. A subscriber that fails or panics does not affect the others.
//
// # Directory and Runtime
//
// A [Directory] tracks live peers by logical name, and connects to new ones
// using a [Resolver] and a [Dialer]. Concurrent connection attempts for one
// name are combined. A [Runtime] issues calls and notifications by peer name:
//
//	rt := conduit.NewRuntime(dir)
//	rsp, err := rt.Call(ctx, "Server", "IFoo.Add", []byte{1, 2})
//
// Package pipe provides a Resolver and Dialer for local pipe endpoints,
// package bind provides typed bindings for methods, and package stream
// provides calls that yield a sequence of responses.
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use the [Peer.Metrics]
// method to obtain an [expvar.Map] containing the metrics exported by the
// peer. Metrics are shared globally among all peers.
//
// The metrics currently exported by peers include:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - responses_dropped: counter of responses for calls no longer pending
//   - calls_in: counter of inbound requests received
//   - calls_in_failed: counter of inbound requests resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound requests sent
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls currently pending
//   - calls_timed_out: counter of outbound calls that timed out
//   - notifications_in: counter of notifications received
//   - notifications_out: counter of notifications sent
//   - notifications_dropped: counter of notifications with no subscriber
//   - subscriber_failures: counter of subscribers reporting errors
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package conduit
