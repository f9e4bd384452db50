// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/conduit/wire"
)

// ErrNeedMore is reported by [Decoder.Next] when the buffered input does not
// yet contain a complete frame.
var ErrNeedMore = errors.New("incomplete frame")

// A Decoder incrementally decodes frames from a byte stream delivered in
// arbitrary pieces. Append input with Write and extract frames with Next.
//
// A FrameError reported by Next is sticky: the stream cannot be
// resynchronized, and all subsequent calls report the same error.
type Decoder struct {
	buf []byte
	max int
	err error
}

// NewDecoder constructs a decoder that rejects frames whose length field
// exceeds maxFrame bytes. If maxFrame ≤ 0, DefaultMaxFrameSize is used.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{max: maxFrame}
}

// Write appends p to the decoder's input buffer. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered reports the number of bytes of input not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next decodes and returns the next complete message from the buffered input.
// If the input does not yet hold a complete frame, Next reports ErrNeedMore.
// If the input is malformed, Next reports a *FrameError.
func (d *Decoder) Next() (*Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) < 4 {
		return nil, ErrNeedMore
	}
	size := binary.BigEndian.Uint32(d.buf)
	if size < HeaderLen-4 {
		return nil, d.fail(&FrameError{Reason: fmt.Sprintf("truncated header (length %d < %d)", size, HeaderLen-4)})
	} else if uint64(size) > uint64(d.max) {
		return nil, d.fail(&FrameError{Reason: fmt.Sprintf("frame too large (%d > %d bytes)", size, d.max)})
	}
	end := 4 + int(size)
	if len(d.buf) < end {
		return nil, ErrNeedMore
	}

	msg, err := parseFrame(d.buf[4:end])
	if err != nil {
		return nil, d.fail(err)
	}

	// Shift the remaining input down so the buffer does not grow without
	// bound across a long-lived stream.
	n := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:n]
	return msg, nil
}

func (d *Decoder) fail(err error) error { d.err = err; return err }

// parseFrame decodes the body of a frame following its length field.
// The result does not alias body.
func parseFrame(body []byte) (*Message, error) {
	s := wire.NewScanner(body)
	tb, _ := s.Byte()
	id, _ := s.Uint64() // length already checked against HeaderLen
	msg := &Message{Type: MessageType(tb), ID: id}

	switch msg.Type {
	case TypeRequest, TypeNotification:
		target, err := wire.VGet[string](s)
		if err != nil {
			return nil, &FrameError{Reason: "invalid target name", Err: err}
		}
		msg.Target = target
	case TypeResponse:
		code, err := s.Byte()
		if err != nil {
			return nil, &FrameError{Reason: "response is missing a result code", Err: err}
		}
		msg.Code = ResultCode(code)
	default:
		return nil, &FrameError{Reason: fmt.Sprintf("unknown message type %d", tb)}
	}
	if rest := s.Rest(); len(rest) != 0 {
		msg.Data = bytes.Clone(rest)
	}
	if err := msg.check(); err != nil {
		return nil, &FrameError{Reason: err.Error()}
	}
	return msg, nil
}

// A FrameReader reads whole messages from an underlying byte stream.
type FrameReader struct {
	r   io.Reader
	dec *Decoder
	buf []byte
	err error // sticky read error
}

// NewFrameReader constructs a FrameReader that reads from r and rejects frames
// larger than maxFrame bytes (see NewDecoder).
func NewFrameReader(r io.Reader, maxFrame int) *FrameReader {
	return &FrameReader{r: r, dec: NewDecoder(maxFrame), buf: make([]byte, 32<<10)}
}

// Next reads and returns the next message. At a clean end of stream between
// frames it reports io.EOF; an end of stream in the middle of a frame is a
// *FrameError. Other read errors are returned as-is once any complete frames
// already buffered have been delivered.
func (f *FrameReader) Next() (*Message, error) {
	for {
		msg, err := f.dec.Next()
		if err != ErrNeedMore {
			return msg, err
		}
		if f.err != nil {
			if errors.Is(f.err, io.EOF) && f.dec.Buffered() != 0 {
				return nil, f.dec.fail(&FrameError{
					Reason: fmt.Sprintf("truncated frame (%d bytes at end of stream)", f.dec.Buffered()),
					Err:    io.ErrUnexpectedEOF,
				})
			}
			return nil, f.err
		}
		nr, err := f.r.Read(f.buf)
		f.dec.Write(f.buf[:nr])
		f.err = err
	}
}
