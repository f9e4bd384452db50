// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// A Channel is a reliable ordered byte stream shared by two peers, such as
// one end of a pipe or socket. It carries no message boundaries.
//
// The methods of an implementation must be safe for concurrent use by one
// reader and one writer. Close must cause a pending Read to return.
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// State is the connection state of a Peer.
type State int32

const (
	StateConnecting State = iota // constructed, not yet started
	StateConnected               // read loop running
	StateClosed                  // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Identity identifies the remote end of a peer connection.
type Identity struct {
	Name     string    // logical name, may be empty
	Endpoint string    // resolved endpoint, may be empty
	ConnID   uuid.UUID // unique to this connection
}

func (id Identity) String() string {
	name := id.Name
	if name == "" {
		name = "<anonymous>"
	}
	if id.Endpoint == "" {
		return fmt.Sprintf("%s [%s]", name, id.ConnID)
	}
	return fmt.Sprintf("%s@%s [%s]", name, id.Endpoint, id.ConnID)
}

// A FrameLogger logs a message exchanged with the remote peer.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a message and a flag indicating whether the message
// was sent or received.
type FrameInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (f FrameInfo) String() string {
	if f.Sent {
		return fmt.Sprintf("send %v", f.Message)
	}
	return fmt.Sprintf("recv %v", f.Message)
}

// A Peer is one live connection to another process. It owns a Channel
// exclusively: exactly one goroutine reads frames from it, and writers are
// serialized so that frames are never interleaved and arrive in the order
// they were sent.
//
// A peer is created with NewPeer and runs from Start until Stop is called,
// the channel closes, or a frame error occurs. The transition to
// StateClosed is terminal: a closed peer cannot be restarted.
//
// Inbound requests and notifications are routed by the Dispatcher for the
// peer, and inbound responses are matched to outbound calls by its
// Correlator. All the methods of a Peer are safe for concurrent use.
type Peer struct {
	id       Identity
	disp     *Dispatcher
	log      Logger
	maxFrame int
	timeout  time.Duration
	base     func() context.Context
	corr     *Correlator
	done     chan struct{}

	// Canceled when the peer closes, to stop inbound handlers.
	life context.Context
	end  context.CancelFunc

	out struct {
		// Must hold the lock to write to or close ch.
		sync.Mutex
		ch     Channel
		closed bool
	}

	μ      sync.Mutex
	state  State
	tasks  *taskgroup.Group
	err    error               // the reason the peer closed
	nextID uint64              // last request ID issued
	icall  map[uint64]struct{} // inbound requests active
	flog   FrameLogger
	onDisc []func(error)
}

// NewPeer constructs a new unstarted peer with the given options.
// A nil *PeerOptions provides defaults.
func NewPeer(opts *PeerOptions) *Peer {
	life, end := context.WithCancel(context.Background())
	p := &Peer{
		id: Identity{
			Name:     opts.name(),
			Endpoint: opts.endpoint(),
			ConnID:   uuid.New(),
		},
		disp:     opts.dispatcher(),
		log:      opts.logger(),
		maxFrame: opts.maxFrameSize(),
		timeout:  opts.callTimeout(),
		base:     opts.newContext(),
		done:     make(chan struct{}),
		life:     life,
		end:      end,
		icall:    make(map[uint64]struct{}),
	}
	p.corr = NewCorrelator(p.log)
	p.corr.peer = p.id.Name
	return p
}

// Start starts the peer running on the given channel, and transitions it
// from StateConnecting to StateConnected. The peer runs until the channel
// closes or a frame error occurs. Start does not block; call Wait to wait
// for the peer to exit and report its status.
//
// Start panics if p has already been started.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.state != StateConnecting {
		panic("peer is already started")
	}

	p.out.ch = ch
	p.state = StateConnected
	p.tasks = taskgroup.New(nil)
	p.tasks.Go(func() error {
		fr := NewFrameReader(ch, p.maxFrame)
		for {
			msg, err := fr.Next()
			if err != nil {
				p.fail(err)
				return nil
			}
			peerMetrics.frameRecv.Add(1)
			p.logFrame(msg, false)
			p.dispatch(msg)
		}
	})
	logf(p.log, LevelDebug, nil, "peer %v: connected", p.id)
	return p
}

// dispatch routes an inbound message from the remote peer.
func (p *Peer) dispatch(msg *Message) {
	switch msg.Type {
	case TypeRequest:
		p.disp.onRequest(p, msg)
	case TypeNotification:
		p.disp.onNotification(p, msg)
	case TypeResponse:
		p.corr.Resolve(msg.ID, msg.Data, responseError(msg))
	}
}

// Dispatcher returns the dispatcher that routes inbound messages for p.
func (p *Peer) Dispatcher() *Dispatcher { return p.disp }

// Identity reports the identity of the remote peer.
func (p *Peer) Identity() Identity { return p.id }

// State reports the current connection state of p.
func (p *Peer) State() State {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.state
}

// Done returns a channel that is closed once p has closed, after its
// outstanding calls have failed and its disconnect callbacks have run.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err reports the error that caused p to close. It returns nil if p has not
// closed, or if it closed because the channel ended normally.
func (p *Peer) Err() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return peerMetrics.emap }

// Stop closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status. Stopping a peer that was never started
// transitions it directly to StateClosed.
func (p *Peer) Stop() error {
	p.μ.Lock()
	unstarted := p.state == StateConnecting
	p.μ.Unlock()
	if unstarted {
		p.fail(net.ErrClosed)
	}
	p.closeOut()
	return p.Wait()
}

// Wait blocks until p has closed and all its handlers have returned, and
// reports the error that caused it to close. If p closed because its channel
// ended normally, Wait returns nil. If p was never started, Wait returns nil
// immediately.
func (p *Peer) Wait() error {
	p.μ.Lock()
	g := p.tasks
	p.μ.Unlock()
	if g == nil {
		return nil
	}
	g.Wait()
	return p.Err()
}

// LogFrames registers a callback that will be invoked for each message
// exchanged with the remote peer, regardless of type.
//
// Passing a nil callback disables frame logging. The frame logger is invoked
// synchronously with dispatch, prior to sending or routing a message.
func (p *Peer) LogFrames(log FrameLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.flog = log
	return p
}

// OnDisconnect registers a callback to be invoked when the peer closes. The
// callback is executed synchronously during the transition to StateClosed,
// after outstanding calls have failed, with the same error value that would
// be reported by Err. Each registered callback is invoked exactly once. If
// p is already closed, f is invoked immediately.
func (p *Peer) OnDisconnect(f func(error)) *Peer {
	p.μ.Lock()
	if p.state != StateClosed {
		p.onDisc = append(p.onDisc, f)
		p.μ.Unlock()
		return p
	}
	p.μ.Unlock()
	p.notifyDisconnect(f, p.Err())
	return p
}

// SendRequest issues a request for target with the given payload, and
// returns a handle for its response without waiting for it. The request is
// assigned the next unused request ID for p. Unless overridden by a
// CallOption, the call fails with ErrTimeout if no response arrives before
// the default deadline for the peer.
//
// An error reported by SendRequest has concrete type *CallError.
func (p *Peer) SendRequest(target string, data []byte, opts ...CallOption) (*Call, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	p.μ.Lock()
	if err := p.checkSendLocked(); err != nil {
		p.μ.Unlock()
		return nil, p.callError(target, 0, err)
	}
	p.nextID++
	id := p.nextID
	p.μ.Unlock()

	msg := NewRequest(id, target, data)
	if err := msg.check(); err != nil {
		return nil, p.callError(target, id, err)
	} else if err := p.checkFrameSize(msg); err != nil {
		return nil, p.callError(target, id, err)
	}
	call, err := p.corr.register(id, target, co.deadline(time.Now(), p.timeout))
	if err != nil {
		return nil, p.callError(target, id, err)
	}

	// N.B. The call is registered before the request is written, so that a
	// response arriving immediately will find it.
	if err := p.sendOut(msg); err != nil {
		if c := p.corr.take(id); c != nil {
			c.complete(nil, err)
		}
		return nil, p.callError(target, id, err)
	}
	peerMetrics.callOut.Add(1)
	return call, nil
}

// Call sends a request to the remote peer for the specified target and data,
// and blocks until ctx ends or until the response is received. If ctx ends
// before the peer replies, the call is canceled locally; the remote handler
// is not notified. An error reported by Call has concrete type *CallError.
func (p *Peer) Call(ctx context.Context, target string, data []byte, opts ...CallOption) (_ []byte, err error) {
	defer func() {
		if err != nil {
			peerMetrics.callOutErr.Add(1)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, p.callError(target, 0, fmt.Errorf("%w: %w", ErrCanceled, err))
	}
	call, err := p.SendRequest(target, data, opts...)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// SendNotification sends a one-way notification for target with the given
// payload. A nil error means the frame was written, not that the remote peer
// processed it. An error reported by SendNotification has concrete type
// *CallError.
func (p *Peer) SendNotification(target string, data []byte) error {
	p.μ.Lock()
	err := p.checkSendLocked()
	p.μ.Unlock()
	if err != nil {
		return p.callError(target, 0, err)
	}

	msg := NewNotification(target, data)
	if err := msg.check(); err != nil {
		return p.callError(target, 0, err)
	} else if err := p.checkFrameSize(msg); err != nil {
		return p.callError(target, 0, err)
	} else if err := p.sendOut(msg); err != nil {
		return p.callError(target, 0, err)
	}
	peerMetrics.notifyOut.Add(1)
	return nil
}

func (p *Peer) checkSendLocked() error {
	switch p.state {
	case StateConnecting:
		return fmt.Errorf("%w: peer is not started", ErrDisconnected)
	case StateClosed:
		return ErrDisconnected
	}
	return nil
}

// checkFrameSize reports a *SerializationError if msg is larger than the
// frame limit of p. The remote peer is assumed to use the same limit, and
// would otherwise drop the connection on receipt.
func (p *Peer) checkFrameSize(msg *Message) error {
	if n := msg.encodedLen() - 4; n > p.maxFrame || uint64(n) > math.MaxUint32 {
		return &SerializationError{
			Target: msg.Target,
			Err:    fmt.Errorf("frame too large (%d > %d bytes)", n, p.maxFrame),
		}
	}
	return nil
}

func (p *Peer) callError(target string, id uint64, err error) *CallError {
	return &CallError{Peer: p.id.Name, Target: target, ID: id, Err: err}
}

// beginRequest records an inbound request as active, and returns a context
// for its handler. It reports false if the ID is already active.
func (p *Peer) beginRequest(id uint64) (context.Context, context.CancelFunc, bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if _, ok := p.icall[id]; ok {
		return nil, nil, false
	}
	p.icall[id] = struct{}{}
	ctx, cancel := p.handlerContext()
	return ctx, cancel, true
}

// endRequest sends the response for an inbound request and retires its ID.
func (p *Peer) endRequest(rsp *Message) {
	p.μ.Lock()
	delete(p.icall, rsp.ID)
	closed := p.state == StateClosed
	p.μ.Unlock()

	if closed {
		return // nobody to reply to
	}
	if err := p.checkFrameSize(rsp); err != nil {
		logf(p.log, LevelWarn, err, "peer %v: response %d", p.id, rsp.ID)
		rsp = NewErrorResponse(rsp.ID, CodeSerialization, ErrorData{Message: err.Error()})
	}
	if err := p.sendOut(rsp); err != nil {
		logf(p.log, LevelWarn, err, "peer %v: sending response %d", p.id, rsp.ID)
		p.closeOut()
	}
}

// handlerContext returns a new context for an inbound handler. It carries p
// and is canceled when p closes.
func (p *Peer) handlerContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithValue(p.base(), peerContextKey{}, p))
	stop := context.AfterFunc(p.life, cancel)
	return ctx, func() { stop(); cancel() }
}

// goTask runs f in the task group of p.
func (p *Peer) goTask(f func()) {
	p.μ.Lock()
	g := p.tasks
	p.μ.Unlock()
	g.Go(func() error { f(); return nil })
}

// fail transitions p to StateClosed. Only the first call has any effect.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	if p.state == StateClosed {
		p.μ.Unlock()
		return
	}
	p.state = StateClosed
	p.err = err
	subs := p.onDisc
	p.onDisc = nil
	p.μ.Unlock()

	p.end() // terminate inbound handlers
	n := p.corr.Close(err)
	if treatErrorAsSuccess(err) {
		err = nil
		logf(p.log, LevelDebug, nil, "peer %v: disconnected (%d calls pending)", p.id, n)
	} else {
		logf(p.log, LevelWarn, err, "peer %v: connection failed (%d calls pending)", p.id, n)
	}
	for _, f := range subs {
		p.notifyDisconnect(f, err)
	}
	close(p.done)
}

func (p *Peer) notifyDisconnect(f func(error), err error) {
	defer func() {
		if x := recover(); x != nil {
			logf(p.log, LevelError, fmt.Errorf("panic: %v", x), "peer %v: disconnect callback panicked", p.id)
		}
	}()
	f(err)
}

func (p *Peer) sendOut(msg *Message) error {
	buf := msg.Encode()

	p.out.Lock()
	defer p.out.Unlock()
	if p.out.closed || p.out.ch == nil {
		return ErrDisconnected
	}
	p.logFrame(msg, true)
	if _, err := p.out.ch.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	peerMetrics.frameSent.Add(1)
	return nil
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil && !p.out.closed {
		p.out.ch.Close()
	}
	p.out.closed = true
}

func (p *Peer) logFrame(msg *Message, sent bool) {
	p.μ.Lock()
	flog := p.flog
	p.μ.Unlock()
	if flog != nil {
		flog(FrameInfo{Message: msg, Sent: sent})
	}
}

// treatErrorAsSuccess reports whether err means the channel ended normally.
func treatErrorAsSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to a Handler or Subscriber has this
// value, so that handlers can call back to the peer that invoked them.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}
