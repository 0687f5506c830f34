// Package logging builds the slog loggers used throughout the library OS.
//
// Records are JSON with source locations, stamped with a process-wide
// sequence number so interleaved output from concurrent calls can be put
// back in order. The console format is raw JSON, indented JSON, or the
// pretty form from package prettylog.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	zapslog "github.com/tommoulard/zap-slog"
	"go.uber.org/zap"

	"github.com/kmrgirish/libos/internal/prettylog"
)

type Format string

const (
	FormatRaw      Format = "raw"
	FormatIndented Format = "indented"
	FormatPretty   Format = "pretty"
)

func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if f != FormatRaw && f != FormatIndented && f != FormatPretty {
		return "", fmt.Errorf("bad log format %q", s)
	}
	return f, nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}

// New returns a logger writing records at or above level to out.
func New(out io.Writer, level slog.Level, format Format) *slog.Logger {
	ho := slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}
	handler := slog.NewJSONHandler(consoleWriter(out, format), &ho)
	return slog.New(seqHandler{inner: handler, seq: new(atomic.Int64)})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Zap returns a zap logger writing through logger's handler.
func Zap(logger *slog.Logger) (*zap.Logger, error) {
	return zap.NewProduction(zapslog.WrapCore(logger))
}

// seqHandler stamps each record with a sequence number.
type seqHandler struct {
	inner slog.Handler
	seq   *atomic.Int64
}

func (w seqHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return w.inner.Enabled(ctx, level)
}

func (w seqHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.Int64("seq", w.seq.Add(1)))
	return w.inner.Handle(ctx, r)
}

func (w seqHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return seqHandler{
		inner: w.inner.WithAttrs(attrs),
		seq:   w.seq,
	}
}

func (w seqHandler) WithGroup(name string) slog.Handler {
	return seqHandler{
		inner: w.inner.WithGroup(name),
		seq:   w.seq,
	}
}

type indentedWriter struct {
	out io.Writer
}

func (w *indentedWriter) Write(p []byte) (int, error) {
	if len(p) > 0 && p[len(p)-1] == '\n' {
		var x any
		if err := json.Unmarshal(p, &x); err == nil {
			o := json.NewEncoder(w.out)
			o.SetIndent("", "  ")
			if err := o.Encode(x); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}
	return w.out.Write(p)
}

func consoleWriter(out io.Writer, format Format) io.Writer {
	switch format {
	case FormatIndented:
		return &indentedWriter{out: out}
	case FormatPretty:
		return prettylog.NewWriter(out)
	default:
		return out
	}
}
