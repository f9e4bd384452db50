// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bind

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// A Codec encodes and decodes payloads of type T.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// Binary returns a Codec for values of type T, which must be []byte or
// string, or a type whose pointer implements either the
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interface and whose
// value implements the corresponding marshaler interface. If T supports
// both, the binary encoding is preferred.
func Binary[T any]() Codec[T] { return binaryCodec[T]{} }

type binaryCodec[T any] struct{}

func (binaryCodec[T]) Encode(v T) ([]byte, error) { return marshal(v) }

func (binaryCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := unmarshal(data, &v)
	return v, err
}

// JSON returns a Codec that encodes values of type T as JSON.
func JSON[T any]() Codec[T] { return jsonCodec[T]{} }

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Proto returns a Codec that encodes protocol buffer messages of type T in
// wire format. T must be a pointer to a generated message type.
func Proto[T proto.Message]() Codec[T] { return protoCodec[T]{} }

type protoCodec[T proto.Message] struct{}

func (protoCodec[T]) Encode(v T) ([]byte, error) { return proto.Marshal(v) }

func (protoCodec[T]) Decode(data []byte) (T, error) {
	var zero T
	v := zero.ProtoReflect().Type().New().Interface().(T)
	if err := proto.Unmarshal(data, v); err != nil {
		return zero, err
	}
	return v, nil
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
