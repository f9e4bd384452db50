// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package pipe provides local pipe endpoints for conduit peers: Unix domain
// sockets on Unix-like systems, and named pipes on Windows.
//
// A process that serves calls listens on the endpoint for its name:
//
//	lst, err := pipe.Listen(pipe.Endpoint(dir, "Server"))
//
// A process that makes calls uses a DirResolver and DialChannel to let a
// conduit.Directory find and connect to peers by name:
//
//	d := conduit.NewDirectory(&conduit.DirectoryOptions{
//	   Resolver: pipe.DirResolver{Dir: dir},
//	   Dialer:   pipe.DialChannel,
//	})
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"strings"
	"sync"

	"github.com/creachadair/conduit"
)

// DialChannel dials endpoint and returns the connection as a channel.
// It satisfies the conduit.Dialer type. If nothing is listening at the
// endpoint, the error wraps conduit.ErrPeerNotFound.
func DialChannel(ctx context.Context, endpoint string) (conduit.Channel, error) {
	conn, err := Dial(ctx, endpoint)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", conduit.ErrPeerNotFound, err)
		}
		return nil, err
	}
	return conn, nil
}

// A DirResolver resolves peer names to endpoints named for them within Dir.
// On Unix, the endpoint for name is a socket file "<Dir>/<name>.sock", which
// must exist. On Windows it is the named pipe "\\.\pipe\<Dir>-<name>", with
// path separators in Dir replaced by "-".
type DirResolver struct {
	Dir string
}

// Resolve implements the conduit.Resolver interface.
func (d DirResolver) Resolve(_ context.Context, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	ep := Endpoint(d.Dir, name)
	if err := checkEndpoint(ep); err != nil {
		return "", fmt.Errorf("%w: %q: %w", conduit.ErrPeerNotFound, name, err)
	}
	return ep, nil
}

// A StaticResolver resolves peer names from a fixed table. It is safe for
// concurrent use.
type StaticResolver struct {
	μ   sync.RWMutex
	eps map[string]string
}

// NewStaticResolver constructs a resolver initially populated from eps,
// which maps peer names to endpoints.
func NewStaticResolver(eps map[string]string) *StaticResolver {
	return &StaticResolver{eps: maps.Clone(eps)}
}

// Set maps name to endpoint in s. If endpoint == "", name is removed.
// It returns s to permit chaining.
func (s *StaticResolver) Set(name, endpoint string) *StaticResolver {
	s.μ.Lock()
	defer s.μ.Unlock()
	if endpoint == "" {
		delete(s.eps, name)
	} else {
		if s.eps == nil {
			s.eps = make(map[string]string)
		}
		s.eps[name] = endpoint
	}
	return s
}

// Resolve implements the conduit.Resolver interface.
func (s *StaticResolver) Resolve(_ context.Context, name string) (string, error) {
	s.μ.RLock()
	defer s.μ.RUnlock()
	if ep, ok := s.eps[name]; ok {
		return ep, nil
	}
	return "", fmt.Errorf("%w: %q", conduit.ErrPeerNotFound, name)
}

// checkName reports an error wrapping conduit.ErrPeerNotFound if name
// cannot be used to form an endpoint.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`+"\x00") {
		return fmt.Errorf("%w: invalid peer name %q", conduit.ErrPeerNotFound, name)
	}
	return nil
}
