// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package wire provides the low-level encoding helpers used by conduit frames.
//
// A [Builder] appends fixed-width big-endian integers, [Vint30] values, and
// length-prefixed strings to a buffer. A [Scanner] consumes the same values
// from the front of a byte slice. Neither type knows anything about frame
// layout; that is the job of the conduit package.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates encoded values into a buffer. The zero value is ready
// for use as an empty builder.
type Builder struct {
	buf []byte
}

// NewBuilder returns a new empty builder with capacity for at least n bytes.
func NewBuilder(n int) *Builder { return &Builder{buf: make([]byte, 0, n)} }

// Bool appends a single byte with value 1 (true) or 0 (false).
func (b *Builder) Bool(ok bool) { b.buf = append(b.buf, value.Cond[byte](ok, 1, 0)) }

// Put appends the specified bytes in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the bytes of s without framing.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// VPut appends vs prefixed by its length encoded as a [Vint30].
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// VPutString appends s prefixed by its length encoded as a [Vint30].
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// Uint16 appends v in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Uint64 appends v in big-endian order.
func (b *Builder) Uint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

// Vint30 appends v encoded as a [Vint30]. It panics if v > [MaxVint30].
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// SetUint32 overwrites the 4 bytes at offset pos with v in big-endian order.
// This is used to backpatch a length field once the size of what follows it
// is known. It panics if pos+4 exceeds the current length.
func (b *Builder) SetUint32(pos int, v uint32) { binary.BigEndian.PutUint32(b.buf[pos:pos+4], v) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains
// ownership of the slice; the caller must not modify it unless b will no
// longer be used.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b, retaining its storage.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow ensures that at least n more bytes can be appended to b without
// another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner consumes encoded values from the front of an input slice.
// Methods report [io.EOF] if no input remains before a value begins, and
// [io.ErrUnexpectedEOF] if a value is incomplete.
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a [Scanner] that reads from input. The scanner does
// not copy input, and values it returns may alias it.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Byte consumes a single byte.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	out := s.rest[0]
	s.advance(1)
	return out, nil
}

// Bool consumes a single byte and reports whether it is non-zero.
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Uint16 consumes a big-endian uint16.
func (s *Scanner) Uint16() (uint16, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	out := binary.BigEndian.Uint16(s.rest)
	s.advance(2)
	return out, nil
}

// Uint32 consumes a big-endian uint32.
func (s *Scanner) Uint32() (uint32, error) {
	if err := s.need(4); err != nil {
		return 0, err
	}
	out := binary.BigEndian.Uint32(s.rest)
	s.advance(4)
	return out, nil
}

// Uint64 consumes a big-endian uint64.
func (s *Scanner) Uint64() (uint64, error) {
	if err := s.need(8); err != nil {
		return 0, err
	}
	out := binary.BigEndian.Uint64(s.rest)
	s.advance(8)
	return out, nil
}

// Vint30 consumes a single [Vint30] value.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	nb, v := ParseVint30(s.rest)
	if nb < 0 {
		return 0, fmt.Errorf("vint30 truncated: %w", io.ErrUnexpectedEOF)
	}
	s.advance(nb)
	return int(v), nil
}

// Len reports the number of unconsumed input bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the 0-based offset of the next unconsumed byte.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns the unconsumed input. The slice aliases the input.
func (s *Scanner) Rest() []byte { return s.rest }

func (s *Scanner) need(n int) error {
	if len(s.rest) == 0 {
		return io.EOF
	} else if len(s.rest) < n {
		return fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	return nil
}

func (s *Scanner) advance(n int) { s.offset += n; s.rest = s.rest[n:] }

// VGet consumes a string prefixed by its [Vint30] length.  When the result is
// a slice it aliases the input.
func VGet[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	nb, err := s.Vint30()
	if err != nil {
		return out, err
	}
	return Get[Str](s, nb)
}

// Get consumes exactly n bytes. If fewer are available, it reports an error
// and consumes nothing. When the result is a slice it aliases the input.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (out Str, err error) {
	if len(s.rest) < n {
		return out, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out = Str(s.rest[:n])
	s.advance(n)
	return out, nil
}

// VLen reports the encoded size of an n-byte string with a [Vint30] length
// prefix.
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer with a self-framing encoding of 1 to 4
// bytes.
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 ≤ v < 16384 are encoded as 2 bytes.
//   - Values 16384 ≤ v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 ≤ v < 1073741824 are encoded as 4 bytes.
//
// The value is shifted left two bits and the count of additional bytes is
// stored in the low-order two bits; the result is written little-endian. A
// decoder learns the full length from the first byte.
//
//	 _ ... _ _ _ _ _ _ d d < number of additional bytes
//	31 ... 7 6 5 4 3 2 1 0
//	^^^^^^^^^^^^^^^^^^
//	  30-bit value
type Vint30 uint32

// MaxVint30 is the largest value representable as a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes needed to encode v, or -1 if v is too
// large to encode.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoding of v to buf and returns the extended slice.
// It panics if v > MaxVint30.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("vint30 value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}

// ParseVint30 decodes a Vint30 from the front of buf. It returns the number
// of bytes consumed and the value, or -1 if buf does not hold a complete
// encoding.
func ParseVint30(buf []byte) (int, Vint30) {
	if len(buf) == 0 {
		return -1, 0
	}
	nb := int(buf[0]&3) + 1
	if len(buf) < nb {
		return -1, 0
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = w<<8 | uint32(buf[i])
	}
	return nb, Vint30(w >> 2)
}
