// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bind

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/conduit"
)

// Kind distinguishes bindings for calls from bindings for notifications.
type Kind int

const (
	KindCall   Kind = iota + 1 // request and response
	KindNotify                 // one-way notification
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindNotify:
		return "notify"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// A Binding connects a target name to the wire: Encode serializes the
// parameters, Invoke delivers them, and Decode deserializes the result.
type Binding struct {
	Name   string
	Kind   Kind
	Encode func(any) ([]byte, error)
	Decode func([]byte) (any, error)
	Invoke func(context.Context, Client, []byte, ...conduit.CallOption) ([]byte, error)
}

// A Table is a collection of bindings indexed by name. It is safe for
// concurrent use.
type Table struct {
	μ        sync.RWMutex
	bindings map[string]Binding
}

// NewTable constructs a table containing the given bindings.
// It panics if two bindings have the same name.
func NewTable(bs ...Binding) *Table {
	t := &Table{bindings: make(map[string]Binding)}
	for _, b := range bs {
		t.Add(b)
	}
	return t
}

// Add adds b to t and returns t to permit chaining. It panics if b is
// incomplete, or if t already has a binding with the same name.
func (t *Table) Add(b Binding) *Table {
	if b.Name == "" || b.Encode == nil || b.Decode == nil || b.Invoke == nil {
		panic(fmt.Sprintf("incomplete binding %q", b.Name))
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if _, ok := t.bindings[b.Name]; ok {
		panic(fmt.Sprintf("duplicate binding %q", b.Name))
	}
	t.bindings[b.Name] = b
	return t
}

// Lookup returns the binding for name, if any.
func (t *Table) Lookup(name string) (Binding, bool) {
	t.μ.RLock()
	defer t.μ.RUnlock()
	b, ok := t.bindings[name]
	return b, ok
}

// Names returns the names of the bindings in t, in order.
func (t *Table) Names() []string {
	t.μ.RLock()
	defer t.μ.RUnlock()
	return slices.Sorted(maps.Keys(t.bindings))
}

// Invoke encodes params with the binding for name, delivers them via c, and
// decodes the result. For a notification binding the result is nil.
// An error reported by Invoke has concrete type *conduit.CallError.
func (t *Table) Invoke(ctx context.Context, c Client, name string, params any, opts ...conduit.CallOption) (any, error) {
	b, ok := t.Lookup(name)
	if !ok {
		return nil, &conduit.CallError{Target: name, Err: fmt.Errorf("no binding for %q", name)}
	}
	data, err := b.Encode(params)
	if err != nil {
		return nil, &conduit.CallError{Target: name, Err: &conduit.SerializationError{Target: name, Err: err}}
	}
	rsp, err := b.Invoke(ctx, c, data, opts...)
	if err != nil {
		return nil, err
	}
	out, err := b.Decode(rsp)
	if err != nil {
		return nil, &conduit.CallError{Target: name, Err: &conduit.SerializationError{Target: name, Err: err}}
	}
	return out, nil
}

// A Signature describes one binding in an encoded table.
type Signature struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Encode encodes the names and kinds of the bindings in t as JSON, in order
// by name.
func (t *Table) Encode() []byte {
	t.μ.RLock()
	defer t.μ.RUnlock()
	sigs := make([]Signature, 0, len(t.bindings))
	for _, name := range slices.Sorted(maps.Keys(t.bindings)) {
		sigs = append(sigs, Signature{Name: name, Kind: t.bindings[name].Kind.String()})
	}
	data, _ := json.Marshal(sigs) // cannot fail
	return data
}

// DecodeSignatures decodes the output of Table.Encode.
func DecodeSignatures(data []byte) ([]Signature, error) {
	var sigs []Signature
	if err := json.Unmarshal(data, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// Handler is a conduit.Handler that reports the contents of the table, as
// encoded by Encode.
func (t *Table) Handler(context.Context, *conduit.Request) ([]byte, error) {
	return t.Encode(), nil
}

func typeError[P any](v any) error {
	var p P
	return fmt.Errorf("parameter has type %T, want %T", v, p)
}
