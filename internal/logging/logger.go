// Package logging builds the process slog.Logger from the [log] config
// section: an optional colored console sink and an optional rotating file
// sink, with trace correlation on every record.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"escalation/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBlue    = "\x1b[34m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiMagenta = "\x1b[35m"
	ansiRed     = "\x1b[31m"
	ansiGray    = "\x1b[90m"
)

// New builds a logger for configured sinks and returns a cleanup function.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return newWithConsole(cfg, os.Stdout)
}

// sink is one opened output: its handler and what to close on shutdown.
type sink struct {
	handler slog.Handler
	closer  io.Closer
}

func newWithConsole(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	var sinks []sink
	closeAll := func() {
		for _, s := range sinks {
			if s.closer != nil {
				_ = s.closer.Close()
			}
		}
	}

	if cfg.Console.Enabled {
		s, err := openConsoleSink(cfg.Console, console)
		if err != nil {
			return nil, nil, fmt.Errorf("console log sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.File.Enabled {
		s, err := openFileSink(cfg.File)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("file log sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		return nil, nil, errors.New("no log sinks enabled")
	case 1:
		return slog.New(traceHandler{next: sinks[0].handler}), closeAll, nil
	}
	fanout := make(multiHandler, 0, len(sinks))
	for _, s := range sinks {
		fanout = append(fanout, s.handler)
	}
	return slog.New(traceHandler{next: fanout}), closeAll, nil
}

func openConsoleSink(cfg config.LogSinkConfig, dst io.Writer) (sink, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return sink{}, err
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: dropTime}
	if cfg.Format == "line" {
		dst = &colorLineWriter{dst: dst}
	}
	handler, err := formatHandler(cfg.Format, dst, opts)
	return sink{handler: handler}, err
}

func openFileSink(cfg config.LogSinkConfig) (sink, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return sink{}, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return sink{}, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	handler, err := formatHandler(cfg.Format, rotator, &slog.HandlerOptions{Level: level})
	if err != nil {
		_ = rotator.Close()
		return sink{}, err
	}
	return sink{handler: handler, closer: rotator}, nil
}

func formatHandler(format string, w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch format {
	case "line":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unsupported log format %q", format)
}

// dropTime strips the record timestamp from console output.
func dropTime(_ []string, attr slog.Attr) slog.Attr {
	if attr.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return attr
}

func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	switch name := strings.ToLower(strings.TrimSpace(value)); name {
	case "debug", "info", "warn", "error":
		err := level.UnmarshalText([]byte(name))
		return level, err
	}
	return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
}

// traceHandler adds trace_id and span_id of the active span to each record.
type traceHandler struct {
	next slog.Handler
}

func (h traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h traceHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record = record.Clone()
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{next: h.next.WithGroup(name)}
}

// multiHandler writes every record to each enabled sink.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range m {
		if h.Enabled(ctx, record.Level) {
			errs = append(errs, h.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m multiHandler) each(fn func(slog.Handler) slog.Handler) multiHandler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = fn(h)
	}
	return out
}

// colorLineWriter paints text-handler lines by level for terminals.
type colorLineWriter struct {
	dst io.Writer
}

var levelTones = []struct {
	marker string
	color  string
}{
	{"level=DEBUG", ansiGray},
	{"level=INFO", ansiBlue},
	{"level=WARN", ansiYellow},
	{"level=ERROR", ansiRed},
}

// tokenRules are tried in order; an earlier rule wins on overlapping matches.
var tokenRules = []struct {
	pattern *regexp.Regexp
	color   string
}{
	{regexp.MustCompile(`"[^"\n]*"`), ansiGreen},
	{regexp.MustCompile(`\bservice_id=[^\s"]+`), ansiMagenta},
	{regexp.MustCompile(`\b\d+(?:\.\d+)?\b`), ansiYellow},
}

func (w *colorLineWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone := ""
	for _, candidate := range levelTones {
		if strings.Contains(line, candidate.marker) {
			tone = candidate.color
			break
		}
	}
	if tone == "" {
		return w.dst.Write(payload)
	}
	if _, err := io.WriteString(w.dst, tone+highlightTokens(line, tone)+ansiReset); err != nil {
		return 0, err
	}
	return len(payload), nil
}

type tokenSpan struct {
	start, end int
	rule       int
}

func highlightTokens(line, base string) string {
	var spans []tokenSpan
	for i, rule := range tokenRules {
		for _, loc := range rule.pattern.FindAllStringIndex(line, -1) {
			spans = append(spans, tokenSpan{start: loc[0], end: loc[1], rule: i})
		}
	}
	if len(spans) == 0 {
		return line
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start == spans[j].start {
			return spans[i].rule < spans[j].rule
		}
		return spans[i].start < spans[j].start
	})

	var b strings.Builder
	b.Grow(len(line) + len(spans)*12)
	pos := 0
	for _, span := range spans {
		if span.start < pos {
			continue
		}
		b.WriteString(line[pos:span.start])
		b.WriteString(tokenRules[span.rule].color + line[span.start:span.end] + ansiReset + base)
		pos = span.end
	}
	b.WriteString(line[pos:])
	return b.String()
}
