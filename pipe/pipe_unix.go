// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

//go:build !windows

package pipe

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Endpoint returns the endpoint for the peer called name in dir.
func Endpoint(dir, name string) string { return filepath.Join(dir, name+".sock") }

// Listen listens for connections on the Unix socket at endpoint. It creates
// the parent directory if necessary, replaces any stale socket file, and
// restricts access to the socket to the current user.
func Listen(endpoint string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(endpoint), 0751); err != nil {
		return nil, err
	}
	os.Remove(endpoint)
	lst, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(endpoint, 0600); err != nil {
		lst.Close()
		return nil, err
	}
	return lst, nil
}

// Dial connects to the Unix socket at endpoint.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", endpoint)
}

func checkEndpoint(ep string) error {
	fi, err := os.Stat(ep)
	if err != nil {
		return err
	} else if fi.Mode().Type() != os.ModeSocket {
		return fmt.Errorf("%s is not a socket", ep)
	}
	return nil
}
