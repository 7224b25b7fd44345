// Package log provides slog handler presets used across the module.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(c net.Conn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
			slog.Any("remote_addr", c.RemoteAddr()),
		)
	}),
	slogformatter.FormatByType(func(d time.Duration) slog.Value {
		return slog.StringValue(d.String())
	}),
)

// NewConsole creates a human-readable logger writing to w.
func NewConsole(w io.Writer, lvl slog.Leveler) *slog.Logger {
	return slog.New(newHandler(
		console.NewHandler(w, &console.HandlerOptions{
			AddSource:  true,
			Level:      lvl,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}

// NewDev creates a verbose developer logger writing to w.
func NewDev(w io.Writer, lvl slog.Leveler) *slog.Logger {
	return slog.New(newHandler(
		devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     lvl,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})

var defLogger atomic.Pointer[slog.Logger]

// Default returns the logger used by components created without an explicit logger.
// It is [Noop] unless replaced with [SetDefault].
func Default() *slog.Logger {
	if l := defLogger.Load(); l != nil {
		return l
	}
	return Noop
}

// SetDefault replaces the logger returned by [Default].
func SetDefault(l *slog.Logger) { defLogger.Store(l) }
