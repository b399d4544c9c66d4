package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO ",
	LevelWarn:  "WARN ",
	LevelError: "ERROR",
	LevelCrit:  "CRIT ",
}

// LevelAlignedString returns the 5-character name of l.
func LevelAlignedString(l slog.Level) string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "?????"
}

// Logger writes module-tagged key/value records to a slog.Handler.
type Logger interface {
	With(ctx ...interface{}) Logger
	Write(level slog.Level, module string, msg string, attrs ...any)
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler

	Trace(module string, msg string, ctx ...interface{})
	Debug(module string, msg string, ctx ...interface{})
	Info(module string, msg string, ctx ...interface{})
	Warn(module string, msg string, ctx ...any)
	Error(module string, msg string, ctx ...interface{})
	// Crit logs and exits the process.
	Crit(module string, msg string, ctx ...interface{})

	// RecordLogs starts keeping a copy of every record, whatever the level
	// of the handler. Tests read them back with GetRecordedLogs.
	RecordLogs()
	GetRecordedLogs() ([]byte, error)
}

type recorder struct {
	mu      sync.Mutex
	enabled bool
	records []slog.Record
}

type logger struct {
	inner *slog.Logger
	rec   *recorder
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h), rec: &recorder{}}
}

func (l *logger) Handler() slog.Handler { return l.inner.Handler() }

func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	recording := l.rec.isRecording()
	enabled := l.inner.Enabled(context.Background(), level)
	if !recording && !enabled {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(slog.String("module", module))
	r.Add(attrs...)

	if recording {
		l.rec.add(r.Clone())
	}
	if enabled {
		l.inner.Handler().Handle(context.Background(), r)
	}
}

func (l *logger) With(ctx ...interface{}) Logger {
	return &logger{l.inner.With(ctx...), l.rec}
}

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

func (l *logger) Trace(module string, msg string, ctx ...interface{}) {
	l.Write(LevelTrace, module, msg, ctx...)
}

func (l *logger) Debug(module string, msg string, ctx ...interface{}) {
	l.Write(LevelDebug, module, msg, ctx...)
}

func (l *logger) Info(module string, msg string, ctx ...interface{}) {
	l.Write(LevelInfo, module, msg, ctx...)
}

func (l *logger) Warn(module string, msg string, ctx ...any) {
	l.Write(LevelWarn, module, msg, ctx...)
}

func (l *logger) Error(module string, msg string, ctx ...interface{}) {
	l.Write(LevelError, module, msg, ctx...)
}

func (l *logger) Crit(module string, msg string, ctx ...interface{}) {
	l.Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

func (l *logger) RecordLogs() {
	l.rec.mu.Lock()
	l.rec.enabled = true
	l.rec.records = l.rec.records[:0]
	l.rec.mu.Unlock()
}

func (l *logger) GetRecordedLogs() ([]byte, error) {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	var out []byte
	for _, r := range l.rec.records {
		out = append(out, formatRecord(r)...)
	}
	return out, nil
}

func (r *recorder) isRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *recorder) add(rec slog.Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}
