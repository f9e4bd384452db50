// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerNotFound is reported when a peer name has no resolvable endpoint.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrDisconnected is reported for calls on a peer whose connection has
	// closed, including calls that were pending when it closed.
	ErrDisconnected = errors.New("peer disconnected")

	// ErrTimeout is reported for a call whose deadline elapsed before a
	// response arrived.
	ErrTimeout = errors.New("call timed out")

	// ErrCanceled is reported for a call canceled by its caller.
	ErrCanceled = errors.New("call canceled")

	// ErrHandlerNotFound is reported when the remote peer has no handler for
	// the requested target.
	ErrHandlerNotFound = errors.New("handler not found")
)

// A FrameError reports a malformed frame. Frame errors are fatal to the
// connection on which they occur.
type FrameError struct {
	Reason string
	Err    error // optional underlying cause
}

func (f *FrameError) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("frame error: %s: %v", f.Reason, f.Err)
	}
	return "frame error: " + f.Reason
}

// Unwrap reports the underlying cause of f, if any.
func (f *FrameError) Unwrap() error { return f.Err }

// A SerializationError reports that a payload could not be encoded or decoded
// by the codec bound to a target. Handlers may return a *SerializationError to
// report that a request payload was invalid; the caller then receives a
// *SerializationError with Remote set.
type SerializationError struct {
	Target string
	Remote bool  // the error was reported by the remote peer
	Err    error // the codec failure
}

func (s *SerializationError) Error() string {
	where := "local"
	if s.Remote {
		where = "remote"
	}
	if s.Target == "" {
		return fmt.Sprintf("serialization error (%s): %v", where, s.Err)
	}
	return fmt.Sprintf("serialization error (%s) for %q: %v", where, s.Target, s.Err)
}

func (s *SerializationError) Unwrap() error { return s.Err }

// A RemoteError reports a failure described by the remote peer in a response,
// either a fault raised by the handler (CodeException) or a missing handler
// (CodeHandlerNotFound). The embedded ErrorData has the remote details.
type RemoteError struct {
	ErrorData
	Code ResultCode
}

func (r *RemoteError) Error() string {
	if r.Code == CodeException {
		return fmt.Sprintf("remote exception: %v", r.ErrorData.Error())
	} else if r.Message == "" {
		return r.Code.String()
	}
	return fmt.Sprintf("%v: %s", r.Code, r.Message)
}

// Unwrap reports a sentinel error matching the result code of r, if one exists.
func (r *RemoteError) Unwrap() error {
	switch r.Code {
	case CodeHandlerNotFound:
		return ErrHandlerNotFound
	}
	return nil
}

// CallError is the concrete type of errors reported for a failed call. It
// identifies the call, and Err has the underlying failure, which is one of
// the sentinel errors of this package, a *RemoteError, a *SerializationError,
// or a context error.
type CallError struct {
	Peer   string // the name of the peer, if known
	Target string // the target of the call
	ID     uint64 // the request ID, or 0 if no request was issued
	Err    error
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	var peer string
	if c.Peer != "" {
		peer = fmt.Sprintf(" on %q", c.Peer)
	}
	if c.ID != 0 {
		return fmt.Sprintf("call %q%s (id %d): %v", c.Target, peer, c.ID, c.Err)
	}
	return fmt.Sprintf("call %q%s: %v", c.Target, peer, c.Err)
}

// responseError converts a failed response into an error. It returns nil for
// a successful response.
func responseError(msg *Message) error {
	if msg.Code == CodeSuccess {
		return nil
	}
	var ed ErrorData
	if err := ed.Decode(msg.Data); err != nil {
		// Keep whatever the descriptor failure says so the caller has
		// something to debug with.
		ed = ErrorData{Message: err.Error()}
	}
	if msg.Code == CodeSerialization {
		return &SerializationError{Remote: true, Err: ed}
	}
	return &RemoteError{ErrorData: ed, Code: msg.Code}
}

// handlerResult converts the outcome of a handler into a response for the
// request with the given ID.
func handlerResult(id uint64, data []byte, err error) *Message {
	if err == nil {
		return NewResponse(id, data)
	}
	var ed *ErrorData
	var se *SerializationError
	switch {
	case errors.As(err, &ed):
		return NewErrorResponse(id, CodeException, *ed)
	case errors.As(err, &se):
		return NewErrorResponse(id, CodeSerialization, ErrorData{Message: fmt.Sprint(se.Err)})
	case errors.Is(err, ErrHandlerNotFound):
		return NewErrorResponse(id, CodeHandlerNotFound, ErrorData{Message: err.Error()})
	}
	if v, ok := asErrorData(err); ok {
		return NewErrorResponse(id, CodeException, v)
	}
	return NewErrorResponse(id, CodeException, ErrorData{Message: err.Error()})
}

// asErrorData reports whether err is, or wraps, an ErrorData value.
func asErrorData(err error) (ErrorData, bool) {
	var ed ErrorData
	ok := errors.As(err, &ed)
	return ed, ok
}
