package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const termTimeFormat = "01-02|15:04:05.000"

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error { return nil }

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool { return false }

func (h *discardHandler) WithGroup(name string) slog.Handler { return h }

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

// TerminalHandler formats records as "LEVEL [time] msg key=value ..." lines.
type TerminalHandler struct {
	mu       *sync.Mutex
	wr       io.Writer
	lvl      slog.Level
	useColor bool
	attrs    []slog.Attr
}

// NewTerminalHandler returns a handler that writes human-readable lines at
// Info level and above.
func NewTerminalHandler(wr io.Writer, useColor bool) *TerminalHandler {
	return NewTerminalHandlerWithLevel(wr, LevelInfo, useColor)
}

// NewTerminalHandlerWithLevel returns the same handler as NewTerminalHandler but
// only outputs records which are at or above lvl.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, useColor bool) *TerminalHandler {
	return &TerminalHandler{
		mu:       new(sync.Mutex),
		wr:       wr,
		lvl:      lvl,
		useColor: useColor,
	}
}

func (h *TerminalHandler) Handle(_ context.Context, r slog.Record) error {
	buf := formatRecordAttrs(r, h.attrs, h.useColor)
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.wr.Write(buf)
	return err
}

func (h *TerminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

// WithGroup is a no-op; records are flat key=value lines.
func (h *TerminalHandler) WithGroup(name string) slog.Handler { return h }

func (h *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TerminalHandler{
		mu:       h.mu,
		wr:       h.wr,
		lvl:      h.lvl,
		useColor: h.useColor,
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func formatRecord(r slog.Record) []byte {
	return formatRecordAttrs(r, nil, false)
}

func formatRecordAttrs(r slog.Record, extra []slog.Attr, useColor bool) []byte {
	var b bytes.Buffer
	lvl := LevelAlignedString(r.Level)
	if useColor {
		switch r.Level {
		case LevelCrit:
			lvl = fmt.Sprintf("\x1b[35m%s\x1b[0m", lvl)
		case slog.LevelError:
			lvl = fmt.Sprintf("\x1b[31m%s\x1b[0m", lvl)
		case slog.LevelWarn:
			lvl = fmt.Sprintf("\x1b[33m%s\x1b[0m", lvl)
		case slog.LevelInfo:
			lvl = fmt.Sprintf("\x1b[32m%s\x1b[0m", lvl)
		}
	}
	fmt.Fprintf(&b, "%s[%s] %-40s", lvl, r.Time.Format(termTimeFormat), r.Message)
	writeAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range extra {
		writeAttr(a)
	}
	r.Attrs(writeAttr)
	b.WriteByte('\n')
	return b.Bytes()
}
