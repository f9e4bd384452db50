package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/wire"
)

func runFrameEncode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing frame type")
	}
	msg, err := parseFrame(env.Args[0], env.Args[1:])
	if err != nil {
		return env.Usagef("%v", err)
	}
	_, err = msg.WriteTo(os.Stdout)
	return err
}

// parseFrame constructs a message of the given kind from args.
func parseFrame(kind string, args []string) (*conduit.Message, error) {
	payload := func(n int) ([]byte, error) {
		switch len(args) {
		case n:
			return nil, nil
		case n + 1:
			return []byte(args[n]), nil
		}
		return nil, fmt.Errorf("wrong number of arguments for %s", kind)
	}
	switch kind {
	case "request":
		data, err := payload(2)
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid request ID: %w", err)
		}
		return conduit.NewRequest(id, args[1], data), nil

	case "notify":
		data, err := payload(1)
		if err != nil {
			return nil, err
		}
		return conduit.NewNotification(args[0], data), nil

	case "response":
		data, err := payload(2)
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid request ID: %w", err)
		}
		code, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid result code: %w", err)
		}
		if code == 0 {
			return conduit.NewResponse(id, data), nil
		}
		return conduit.NewErrorResponse(id, conduit.ResultCode(code), conduit.ErrorData{Message: string(data)}), nil
	}
	return nil, fmt.Errorf("unknown frame type %q", kind)
}

func runFrameDecode(env *command.Env) error {
	fr := conduit.NewFrameReader(os.Stdin, 0)
	for {
		msg, err := fr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Println(msg)
	}
}

const packHelp = `Pack arguments into a binary string.

The pattern specifies the sequence of values to concatenate into the output.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  p  : a Pascal style string with a 1-byte length prefix
  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string encoded with a vint30 length prefix
  %  : a Boolean constant (true or false)
  v  : a vint30 value (unsigned)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)

By default, fixed-width integer values are packed in big-endian order, but the
following symbols modify the byte order for future values:

  <  : encode as little-endian
  >  : encode as big-endian (this is the default)

In addition, a "(" begins a subpattern, which goes until a matching ")".
Each subpattern is encoded according to its contents, with a length prefix
prepended. By default, the length prefix is a uint32, matching the length
field of a frame, but the following symbols modify the length encoding for
future subpatterns:

  ?  : encode length as a vint30
  @  : encode length as a uint16 (2 bytes)
  $  : encode length as a uint32 (4 bytes) (this is the default)
  *  : encode length as a uint64 (8 bytes)

Subpatterns may be nested. For example, this pattern encodes a request frame:

  conduit pack '(1 8 s r)' 0 1 IFoo.Add payload
`

func formatData(pat string, args []string) ([]byte, []string, error) {
	size := byte('$')
	var order binary.AppendByteOrder = binary.BigEndian
	var b wire.Builder
	packSize := func(n int) error {
		switch size {
		case '?':
			if n > wire.MaxVint30 {
				return fmt.Errorf("length %d too long for vint30", n)
			}
			b.Vint30(uint32(n))
		case '@':
			b.Put(order.AppendUint16(nil, uint16(n))...)
		case '$':
			b.Put(order.AppendUint32(nil, uint32(n))...)
		case '*':
			b.Put(order.AppendUint64(nil, uint64(n))...)
		default:
			panic("invalid size type: " + string(size))
		}
		return nil
	}
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'p', 'q', 'r', 's', '%', 'v', '1', '2', '4', '8':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '@', '$', '*', '?':
			size = c
			continue
		case '<':
			order = binary.LittleEndian
			continue
		case '>':
			order = binary.BigEndian
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, nil, errors.New("missing close parenthesis")
			}
			sd, sa, err := formatData(sub, args)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			if err := packSize(len(sd)); err != nil {
				return nil, nil, err
			}
			b.Put(sd...)
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}
		arg := args[0]
		switch c {
		case 'p':
			if len(arg) > 255 {
				return nil, nil, fmt.Errorf("length %d > 255 too long for p", len(arg))
			}
			b.Put(byte(len(arg)))
			b.PutString(arg)
		case 'q':
			dec, err := strconv.Unquote(`"` + arg + `"`)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid string: %w", err)
			}
			b.PutString(dec)
		case 'r':
			b.PutString(arg)
		case 's':
			b.VPutString(arg)
		case '%':
			v, err := strconv.ParseBool(arg)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case 'v':
			v, err := strconv.ParseUint(arg, 10, 30)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid vint30: %w", err)
			}
			b.Vint30(uint32(v))
		case '1':
			v, err := strconv.ParseUint(arg, 10, 8)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Put(byte(v))
		case '2':
			v, err := strconv.ParseUint(arg, 10, 16)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint16: %w", err)
			}
			b.Put(order.AppendUint16(nil, uint16(v))...)
		case '4':
			v, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint32: %w", err)
			}
			b.Put(order.AppendUint32(nil, uint32(v))...)
		case '8':
			v, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint64: %w", err)
			}
			b.Put(order.AppendUint64(nil, v)...)
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return b.Bytes(), args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
