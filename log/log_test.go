package log_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ghettovoice/sipua/log"
)

func TestNewConsole(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := log.NewConsole(&buf, slog.LevelDebug)
	l.Info("call established", slog.String("call_id", "abc"), slog.Any("error", errors.New("boom")))

	out := buf.String()
	for _, want := range []string{"call established", "abc", "boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q does not contain %q", out, want)
		}
	}
}

func TestNewDev(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := log.NewDev(&buf, slog.LevelInfo)
	l.Debug("hidden")
	l.Info("registered", slog.Duration("expires", 600e9))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("log output %q contains a debug record", out)
	}
	for _, want := range []string{"registered", "10m0s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q does not contain %q", out, want)
		}
	}
}

func TestDefault(t *testing.T) {
	if got, want := log.Default(), log.Noop; got != want {
		t.Fatalf("log.Default() = %p, want %p", got, want)
	}

	var buf bytes.Buffer
	l := log.NewConsole(&buf, slog.LevelInfo)
	log.SetDefault(l)
	t.Cleanup(func() { log.SetDefault(log.Noop) })

	if got, want := log.Default(), l; got != want {
		t.Fatalf("log.Default() = %p, want %p", got, want)
	}
	if log.Noop.Enabled(t.Context(), slog.LevelError) {
		t.Fatal("log.Noop.Enabled() = true, want false")
	}
}
