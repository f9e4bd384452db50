// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/creachadair/conduit/wire"
)

const (
	// HeaderLen is the size in bytes of the fixed frame header: a 4-byte
	// length, a 1-byte message type, and an 8-byte request ID.
	HeaderLen = 4 + 1 + 8

	// MaxTargetLen is the maximum length in bytes of a target name.
	MaxTargetLen = 1024

	// DefaultMaxFrameSize is the default limit on the length field of a frame.
	DefaultMaxFrameSize = 16 << 20
)

// MessageType identifies the kind of a message on the wire.
type MessageType byte

const (
	TypeRequest      MessageType = 0 // A call expecting a response
	TypeResponse     MessageType = 1 // The result of a call
	TypeNotification MessageType = 2 // A one-way message, no response
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeNotification:
		return "NOTIFICATION"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// hasTarget reports whether messages of type t carry a target name.
func (t MessageType) hasTarget() bool { return t == TypeRequest || t == TypeNotification }

// A Message is the decoded form of a single frame.
//
// Requests have a non-zero ID and a Target. Notifications have ID 0 and a
// Target. Responses have the ID of the request they answer, a result Code,
// and no Target; for CodeSuccess the Data are the result, otherwise the Data
// are an encoded [ErrorData] descriptor.
type Message struct {
	Type   MessageType
	ID     uint64
	Target string
	Code   ResultCode // responses only
	Data   []byte
}

// NewRequest returns a request message.
func NewRequest(id uint64, target string, data []byte) *Message {
	return &Message{Type: TypeRequest, ID: id, Target: target, Data: data}
}

// NewNotification returns a notification message.
func NewNotification(target string, data []byte) *Message {
	return &Message{Type: TypeNotification, Target: target, Data: data}
}

// NewResponse returns a successful response carrying data.
func NewResponse(id uint64, data []byte) *Message {
	return &Message{Type: TypeResponse, ID: id, Code: CodeSuccess, Data: data}
}

// NewErrorResponse returns a failed response with the given code and error
// descriptor.
func NewErrorResponse(id uint64, code ResultCode, ed ErrorData) *Message {
	return &Message{Type: TypeResponse, ID: id, Code: code, Data: ed.Encode()}
}

// Encode encodes m as a complete frame.
func (m Message) Encode() []byte {
	b := wire.NewBuilder(m.encodedLen())
	m.appendTo(b)
	return b.Bytes()
}

// WriteTo writes the binary frame for m to w. It satisfies io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	nw, err := w.Write(m.Encode())
	return int64(nw), err
}

func (m Message) encodedLen() int {
	n := HeaderLen + len(m.Data)
	if m.Type.hasTarget() {
		n += wire.VLen(len(m.Target))
	}
	if m.Type == TypeResponse {
		n++
	}
	return n
}

func (m Message) appendTo(b *wire.Builder) {
	start := b.Len()
	b.Uint32(0) // length, patched below
	b.Put(byte(m.Type))
	b.Uint64(m.ID)
	if m.Type.hasTarget() {
		b.VPutString(m.Target)
	}
	if m.Type == TypeResponse {
		b.Put(byte(m.Code))
	}
	b.Put(m.Data...)
	b.SetUint32(start, uint32(b.Len()-start-4))
}

// check reports an error if m is not a valid message to send.
func (m *Message) check() error {
	if n := m.encodedLen() - 4; uint64(n) > math.MaxUint32 {
		return fmt.Errorf("frame too large (%d bytes)", n)
	}
	switch m.Type {
	case TypeRequest:
		if m.ID == 0 {
			return fmt.Errorf("request ID 0 is reserved")
		}
	case TypeNotification:
		if m.ID != 0 {
			return fmt.Errorf("notification has non-zero ID %d", m.ID)
		}
	case TypeResponse:
		if m.Code > maxResultCode {
			return fmt.Errorf("invalid result code %d", m.Code)
		}
		return nil
	default:
		return fmt.Errorf("invalid message type %v", m.Type)
	}
	if len(m.Target) == 0 {
		return fmt.Errorf("empty target name")
	} else if len(m.Target) > MaxTargetLen {
		return fmt.Errorf("target name too long (%d > %d bytes)", len(m.Target), MaxTargetLen)
	} else if !utf8.ValidString(m.Target) {
		return fmt.Errorf("target name is not valid UTF-8")
	}
	return nil
}

// String returns a human-friendly rendering of the message.
func (m Message) String() string {
	var data string
	if m.Type == TypeResponse && m.Code != CodeSuccess {
		var ed ErrorData
		if ed.Decode(m.Data) == nil {
			data = fmt.Sprintf("ErrorData(Code=%d, [%d bytes], %q)", ed.Code, len(ed.Data), ed.Message)
		}
	}
	if data == "" {
		if len(m.Data) > 16 {
			data = fmt.Sprintf("Data=%+v ...", m.Data[:16])
		} else {
			data = fmt.Sprintf("Data=%+v", m.Data)
		}
	}
	switch m.Type {
	case TypeRequest:
		return fmt.Sprintf("Request(ID=%d, Target=%q, %s)", m.ID, m.Target, data)
	case TypeNotification:
		return fmt.Sprintf("Notification(Target=%q, %s)", m.Target, data)
	case TypeResponse:
		return fmt.Sprintf("Response(ID=%d, Code=%v, %s)", m.ID, m.Code, data)
	}
	return fmt.Sprintf("Message(%v, ID=%d, %s)", m.Type, m.ID, data)
}

// ResultCode describes the outcome of a call in a response message.
type ResultCode byte

const (
	CodeSuccess         ResultCode = 0 // Call completed successfully
	CodeHandlerNotFound ResultCode = 1 // No handler for the target
	CodeDuplicateID     ResultCode = 2 // Request ID already active
	CodeSerialization   ResultCode = 3 // The payload could not be decoded
	CodeException       ResultCode = 4 // The handler reported a fault

	maxResultCode = CodeException
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeHandlerNotFound:
		return "HANDLER_NOT_FOUND"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeSerialization:
		return "SERIALIZATION_ERROR"
	case CodeException:
		return "REMOTE_EXCEPTION"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// MaxErrorMessageLen is the longest error message carried by an ErrorData.
// Longer messages are truncated at a UTF-8 boundary.
const MaxErrorMessageLen = 65535

// ErrorData is the descriptor carried by a failed response: an
// application-defined fault code, a human-readable message, and optional
// serialized fault details.
//
// A handler may return a value of type ErrorData or *ErrorData to control the
// fault code, message, and data reported to the caller.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error descriptor in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, MaxErrorMessageLen)
	b := wire.NewBuilder(2 + wire.VLen(len(msg)) + len(e.Data))
	b.Uint16(e.Code)
	b.VPutString(msg)
	b.Put(e.Data...)
	return b.Bytes()
}

// Decode decodes data into an error descriptor. An empty input is accepted as
// an empty descriptor.
func (e *ErrorData) Decode(data []byte) error {
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	s := wire.NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("invalid error data: %w", err)
	}
	msg, err := wire.VGet[string](s)
	if err != nil {
		return fmt.Errorf("error message truncated: %w", err)
	} else if !utf8.ValidString(msg) {
		return fmt.Errorf("error message is not valid UTF-8")
	}
	e.Code = code
	e.Message = msg
	if rest := s.Rest(); len(rest) != 0 {
		e.Data = bytes.Clone(rest)
	} else {
		e.Data = nil
	}
	return nil
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up over continuation bytes (10xxxxxx) to the start of an encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 {
		n--
	}

	// If that lands just past a multi-byte lead byte (11xxxxxx), drop it too.
	// The encoding may have been complete, but checking one direction is
	// enough to keep the result valid.
	if n > 0 && s[n-1]&0xc0 == 0xc0 {
		n--
	}
	return s[:n]
}
