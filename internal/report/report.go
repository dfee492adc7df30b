// Package report is the injected reporting collaborator: structured log
// lines plus scalar time series. Nothing in the training core logs through a
// global.
package report

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ScalarSink receives one point of a named time series. Delivery is fire and
// forget.
type ScalarSink interface {
	Scalar(name string, value float64, step int)
}

type Reporter interface {
	Logger
	ScalarSink
}

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResolveFormat turns "auto" into "text" when out is a terminal and "json"
// otherwise.
func ResolveFormat(format string, out *os.File) string {
	if format != "" && format != "auto" {
		return format
	}
	if out != nil && (isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())) {
		return "text"
	}
	return "json"
}

// SlogReporter logs through slog. Scalars are logged at debug level.
type SlogReporter struct {
	logger *slog.Logger
}

func NewSlogReporter(level Level, format string, w io.Writer) *SlogReporter {
	opts := &slog.HandlerOptions{Level: level.slog()}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &SlogReporter{logger: slog.New(handler)}
}

// With returns a reporter that adds args to every entry.
func (r *SlogReporter) With(args ...any) *SlogReporter {
	return &SlogReporter{logger: r.logger.With(args...)}
}

func (r *SlogReporter) Debug(msg string, args ...any) { r.logger.Debug(msg, args...) }
func (r *SlogReporter) Info(msg string, args ...any)  { r.logger.Info(msg, args...) }
func (r *SlogReporter) Warn(msg string, args ...any)  { r.logger.Warn(msg, args...) }
func (r *SlogReporter) Error(msg string, args ...any) { r.logger.Error(msg, args...) }

func (r *SlogReporter) Scalar(name string, value float64, step int) {
	r.logger.Debug("scalar", "name", name, "value", value, "step", step)
}

// NoOp discards everything.
type NoOp struct{}

func (NoOp) Debug(string, ...any)        {}
func (NoOp) Info(string, ...any)         {}
func (NoOp) Warn(string, ...any)         {}
func (NoOp) Error(string, ...any)        {}
func (NoOp) Scalar(string, float64, int) {}

type tee struct {
	Reporter
	sinks []ScalarSink
}

// Tee sends log lines to r and scalars to r and every sink.
func Tee(r Reporter, sinks ...ScalarSink) Reporter {
	return tee{Reporter: r, sinks: sinks}
}

func (t tee) Scalar(name string, value float64, step int) {
	t.Reporter.Scalar(name, value, step)
	for _, s := range t.sinks {
		s.Scalar(name, value, step)
	}
}

func OrNoOp(r Reporter) Reporter {
	if r == nil {
		return NoOp{}
	}
	return r
}

// Bytes formats a payload size for log lines.
func Bytes(n int) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// Rate formats a throughput with an SI prefix, e.g. "1.2 ksamples/s".
func Rate(perSecond float64, unit string) string {
	return humanize.SIWithDigits(perSecond, 1, unit+"/s")
}
