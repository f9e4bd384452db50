// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

//go:build windows

package pipe

import (
	"context"
	"net"
	"strings"
	"time"

	"gopkg.in/natefinch/npipe.v2"
)

const pipePrefix = `\\.\pipe\`

// Endpoint returns the endpoint for the peer called name in dir.
func Endpoint(dir, name string) string {
	dir = strings.Trim(strings.NewReplacer(`\`, "-", "/", "-", ":", "").Replace(dir), "-")
	if dir == "" {
		return pipePrefix + name
	}
	return pipePrefix + dir + "-" + name
}

// Listen listens for connections on the named pipe at endpoint.
func Listen(endpoint string) (net.Listener, error) { return npipe.Listen(endpoint) }

// Dial connects to the named pipe at endpoint. If ctx has no deadline, the
// attempt waits up to 5 seconds for the pipe to become available.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return npipe.DialTimeout(endpoint, timeout)
}

// Named pipes cannot be checked without connecting to them, so a missing
// pipe is reported by Dial instead.
func checkEndpoint(string) error { return nil }
