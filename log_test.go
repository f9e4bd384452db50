// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package conduit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/peers"
	"github.com/fortytw2/leaktest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger(t *testing.T) {
	defer leaktest.Check(t)()

	core, logs := observer.New(zapcore.DebugLevel)
	lg := conduit.ZapLogger(zap.New(core))
	loc := peers.NewLocalWith(&conduit.PeerOptions{Name: "B", Logger: lg}, nil)

	loc.A.Dispatcher().Subscribe("Event", func(context.Context, *conduit.Notification) error {
		return errors.New("subscriber is grumpy")
	})
	if _, err := loc.B.Call(t.Context(), "Missing", nil); !errors.Is(err, conduit.ErrHandlerNotFound) {
		t.Errorf("Call: got %v, want %v", err, conduit.ErrHandlerNotFound)
	}
	if err := loc.B.SendNotification("Event", nil); err != nil {
		t.Errorf("SendNotification: %v", err)
	}

	// Stopping waits for the subscriber to finish, so its failure is logged.
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}

	if n := logs.FilterMessageSnippet(`no handler for "Missing"`).Len(); n != 1 {
		t.Errorf("Got %d missing-handler logs, want 1", n)
	}
	warn := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet(`subscriber for "Event" failed`)
	if warn.Len() != 1 {
		t.Fatalf("Got %d subscriber failure logs, want 1", warn.Len())
	}
	if got := warn.All()[0].ContextMap()["error"]; got != "subscriber is grumpy" {
		t.Errorf("Logged error: got %v, want subscriber is grumpy", got)
	}
}

func TestLoggerPanicIgnored(t *testing.T) {
	defer leaktest.Check(t)()

	lg := conduit.LoggerFunc(func(conduit.Level, string, error) { panic("logger is broken") })
	loc := peers.NewLocalWith(&conduit.PeerOptions{Logger: lg}, &conduit.PeerOptions{Logger: lg})
	defer loc.Stop()

	for range 2 {
		if _, err := loc.B.Call(t.Context(), "Missing", nil); !errors.Is(err, conduit.ErrHandlerNotFound) {
			t.Errorf("Call: got %v, want %v", err, conduit.ErrHandlerNotFound)
		}
	}
}
