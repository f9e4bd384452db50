// Program conduit is a command-line utility for running and talking to
// conduit peers over local pipes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/pipe"
	"github.com/creachadair/conduit/stream"
	"github.com/creachadair/flax"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var flags struct {
	Dir     string `flag:"dir,Directory for peer endpoints (default $TMPDIR/conduit)"`
	LogFile string `flag:"log-file,Write rotated logs to this file"`
	Verbose bool   `flag:"v,Enable verbose (debug) logging"`
}

var callFlags struct {
	Timeout time.Duration `flag:"timeout,default=30s,Call timeout (0 means none)"`
	Stdin   bool          `flag:"stdin,Read the payload from stdin"`
	Stream  bool          `flag:"stream,Print a streamed response as it arrives"`
}

var notifyFlags struct {
	Stdin bool `flag:"stdin,Read the payload from stdin"`
}

func main() {
	command.RunOrFail(newRoot().NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// newRoot returns the root of the command tree.
func newRoot() *command.C {
	return &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for running and talking to conduit peers.

Peers are reached by name: each name is an endpoint in the directory
given by --dir (a socket on Unix, a named pipe on Windows).`,
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "<name>",
				Help: `Serve a peer under the given name until interrupted.

The peer handles these targets:

  Echo.Echo    : reply with the request payload
  Echo.Lines   : stream each line of the request payload (use call --stream)
  Math.Add     : reply with the sum of a JSON {"x":int, "y":int} request
  Sys.Targets  : reply with the names of the handled targets, one per line
  Sys.Methods  : reply with the JSON signatures of the typed methods

Notifications to Log.Print are written to the log.`,
				Run: runServe,
			},
			{
				Name:     "call",
				Usage:    "<peer> <target> [payload]",
				Help:     "Call a target on the named peer and print its response.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:     "notify",
				Usage:    "<peer> <target> [payload]",
				Help:     "Send a notification to a target on the named peer.",
				SetFlags: command.Flags(flax.MustBind, &notifyFlags),
				Run:      runNotify,
			},
			{
				Name: "frame",
				Help: "Encode and decode raw frames.",
				Commands: []*command.C{
					{
						Name:  "encode",
						Usage: "request <id> <target> [payload]\nnotify <target> [payload]\nresponse <id> <code> [payload]",
						Help: `Encode a single frame and write it to stdout.

For a failed response (code > 0), the payload is the error message.`,
						Run: runFrameEncode,
					},
					{
						Name: "decode",
						Help: "Read frames from stdin and print them, one per line.",
						Run:  runFrameDecode,
					},
				},
			},
			{
				Name:  "pack",
				Usage: "<pattern> <argument>...",
				Help:  packHelp,
				Run: func(env *command.Env) error {
					if len(env.Args) == 0 {
						return env.Usagef("Missing format argument")
					}
					enc, rest, err := formatData(env.Args[0], env.Args[1:])
					if err != nil {
						return err
					} else if len(rest) != 0 {
						return fmt.Errorf("extra arguments: %q", rest)
					}
					os.Stdout.Write(enc)
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
}

// endpointDir returns the directory where peer endpoints live.
func endpointDir() string {
	if flags.Dir != "" {
		return flags.Dir
	}
	return filepath.Join(os.TempDir(), "conduit")
}

// newLogger constructs the logger selected by the flags. Logs go to stderr
// unless --log-file is set.
func newLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if flags.Verbose {
		level = zapcore.DebugLevel
	}
	out := zapcore.AddSync(os.Stderr)
	if flags.LogFile != "" {
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   flags.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		})
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(level)))
}

// signalContext returns a context that ends when the program is interrupted.
func signalContext(env *command.Env) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(env.Context(), os.Interrupt)
}

func newRuntime(lg *zap.Logger) *conduit.Runtime {
	return conduit.NewRuntime(conduit.NewDirectory(&conduit.DirectoryOptions{
		Resolver: pipe.DirResolver{Dir: endpointDir()},
		Dialer:   pipe.DialChannel,
		Peer:     &conduit.PeerOptions{Logger: conduit.ZapLogger(lg)},
	}))
}

// callArgs parses the arguments common to call and notify.
// If stdin is true, the payload is read from stdin.
func callArgs(env *command.Env, stdin bool) (peer, target string, payload []byte, err error) {
	if len(env.Args) < 2 {
		return "", "", nil, env.Usagef("missing peer and target")
	}
	peer, target = env.Args[0], env.Args[1]
	switch rest := env.Args[2:]; {
	case stdin:
		if len(rest) != 0 {
			return "", "", nil, env.Usagef("extra arguments with --stdin")
		}
		payload, err = io.ReadAll(os.Stdin)
	case len(rest) > 1:
		return "", "", nil, env.Usagef("extra arguments after payload")
	case len(rest) == 1:
		payload = []byte(rest[0])
	}
	return
}

func runCall(env *command.Env) error {
	peer, target, payload, err := callArgs(env, callFlags.Stdin)
	if err != nil {
		return err
	}
	lg := newLogger()
	defer lg.Sync()

	ctx, cancel := signalContext(env)
	defer cancel()
	rt := newRuntime(lg)
	defer rt.Directory().Close()

	if callFlags.Stream {
		return runStream(ctx, rt, peer, target, payload)
	}
	rsp, err := rt.Call(ctx, peer, target, payload, conduit.WithTimeout(callFlags.Timeout))
	if err != nil {
		return describe(err)
	}
	printResponse(rsp)
	return nil
}

func runStream(ctx context.Context, rt *conduit.Runtime, peer, target string, payload []byte) error {
	p, err := rt.Directory().Connect(ctx, peer)
	if err != nil {
		return err
	}
	for rsp, err := range stream.Call(ctx, p, target, payload, conduit.WithTimeout(callFlags.Timeout)) {
		if err != nil {
			return describe(err)
		}
		printResponse(rsp)
	}
	return nil
}

// printResponse writes rsp to stdout, ending with a newline.
func printResponse(rsp []byte) {
	os.Stdout.Write(rsp)
	if len(rsp) != 0 && !strings.HasSuffix(string(rsp), "\n") {
		fmt.Println()
	}
}

func runNotify(env *command.Env) error {
	peer, target, payload, err := callArgs(env, notifyFlags.Stdin)
	if err != nil {
		return err
	}
	lg := newLogger()
	defer lg.Sync()

	ctx, cancel := signalContext(env)
	defer cancel()
	rt := newRuntime(lg)
	defer rt.Directory().Close()
	return describe(rt.Notify(ctx, peer, target, payload))
}

// describe decorates err with the remote error details, if any.
func describe(err error) error {
	var rerr *conduit.RemoteError
	if errors.As(err, &rerr) && len(rerr.Data) != 0 {
		return fmt.Errorf("%w [data: %q]", err, rerr.Data)
	}
	return err
}
