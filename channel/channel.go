// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the conduit.Channel interface.
package channel

import (
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/creachadair/conduit"
)

// Pipe constructs a connected pair of in-memory channels. Bytes written to A
// are read from B and vice versa. Writes are synchronous: a write blocks
// until the other side has read all of it, or closes.
func Pipe() (A, B conduit.Channel) { return net.Pipe() }

// IO constructs a channel that reads from r and writes to wc. Closing the
// channel closes wc, and also r if it implements io.Closer.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{r: r, w: wc}
}

// An IOChannel reads and writes bytes on a separate reader and writer, such
// as the stdout and stdin of another process.
type IOChannel struct {
	r io.Reader
	w io.WriteCloser
}

// Read implements a method of the [conduit.Channel] interface.
func (c IOChannel) Read(data []byte) (int, error) { return c.r.Read(data) }

// Write implements a method of the [conduit.Channel] interface.
func (c IOChannel) Write(data []byte) (int, error) { return c.w.Write(data) }

// Close implements a method of the [conduit.Channel] interface.
func (c IOChannel) Close() error {
	err := c.w.Close()
	if rc, ok := c.r.(io.Closer); ok {
		// r and w may be the same object, e.g., a net.Conn.
		if cerr := rc.Close(); !isClosed(cerr) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func isClosed(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}

// Command starts cmd and returns a channel connected to its standard input
// and output. Closing the channel closes the pipes and then waits for the
// process to exit. The caller must not set cmd.Stdin or cmd.Stdout.
func Command(cmd *exec.Cmd) (*CmdChannel, error) {
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		in.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &CmdChannel{IOChannel: IO(out, in), cmd: cmd}, nil
}

// A CmdChannel is a channel to a child process, as constructed by Command.
type CmdChannel struct {
	IOChannel
	cmd *exec.Cmd

	once sync.Once
	err  error
}

// Close closes the pipes to the process and waits for it to exit. An exit
// caused by the closed pipes is not reported as an error.
func (c *CmdChannel) Close() error {
	c.once.Do(func() {
		c.IOChannel.w.Close()
		err := c.cmd.Wait()
		var eerr *exec.ExitError
		if !errors.As(err, &eerr) {
			c.err = err
		}
	})
	return c.err
}

// Process returns the command running on the other end of c.
func (c *CmdChannel) Process() *exec.Cmd { return c.cmd }
