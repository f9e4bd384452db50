package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/bind"
	"github.com/creachadair/conduit/peers"
	"github.com/creachadair/conduit/pipe"
	"github.com/creachadair/conduit/stream"
	"go.uber.org/zap"
)

type pair struct {
	X int `json:"x"`
	Y int `json:"y"`
}

var (
	mathAdd = bind.Method[pair, int]{
		Name:   "Math.Add",
		Params: bind.JSON[pair](),
		Result: bind.JSON[int](),
	}
	logPrint = bind.Event[string]{
		Name:   "Log.Print",
		Params: bind.Binary[string](),
	}
)

func runServe(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("missing peer name")
	}
	name := env.Args[0]
	lg := newLogger()
	defer lg.Sync()

	ctx, cancel := signalContext(env)
	defer cancel()

	ep := pipe.Endpoint(endpointDir(), name)
	lst, err := pipe.Listen(ep)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	lg.Info("serving", zap.String("name", name), zap.String("endpoint", ep))

	dir := conduit.NewDirectory(nil)
	defer dir.Close()
	err = peers.Serve(ctx, lst, dir, &conduit.PeerOptions{
		Dispatcher: newServer(lg),
		Logger:     conduit.ZapLogger(lg),
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	lg.Info("server stopped", zap.String("name", name))
	return nil
}

// newServer returns a dispatcher for the targets handled by the serve command.
func newServer(lg *zap.Logger) *conduit.Dispatcher {
	d := conduit.NewDispatcher(&conduit.DispatcherOptions{Logger: conduit.ZapLogger(lg)})
	tab := bind.NewTable(mathAdd.Binding(), logPrint.Binding())

	d.Handle("Echo.Echo", func(_ context.Context, req *conduit.Request) ([]byte, error) {
		return req.Data, nil
	}).Handle("Sys.Targets", func(ctx context.Context, _ *conduit.Request) ([]byte, error) {
		return []byte(strings.Join(conduit.ContextPeer(ctx).Dispatcher().Targets(), "\n")), nil
	}).Handle("Sys.Methods", tab.Handler)

	stream.Handle(d, "Echo.Lines", func(_ context.Context, req *conduit.Request) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			for line := range strings.Lines(string(req.Data)) {
				if !yield([]byte(strings.TrimSuffix(line, "\n")), nil) {
					return
				}
			}
		}
	})
	mathAdd.Register(d, func(_ context.Context, p pair) (int, error) {
		return p.X + p.Y, nil
	})
	logPrint.Subscribe(d, func(ctx context.Context, msg string) error {
		lg.Info("message", zap.String("text", msg), zap.String("from", conduit.ContextPeer(ctx).Identity().Name))
		return nil
	})
	return d
}
