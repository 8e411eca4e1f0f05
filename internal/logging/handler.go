package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// redactingHandler runs the message and every attribute through a Sanitizer
// before handing the record on. Errors are flattened to their (redacted)
// message since provider errors often echo request URLs.
type redactingHandler struct {
	next slog.Handler
	s    *Sanitizer
}

func newRedactingHandler(next slog.Handler, s *Sanitizer) *redactingHandler {
	return &redactingHandler{next: next, s: s}
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.s.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, h.redact(a))
	}
	return &redactingHandler{next: h.next.WithAttrs(clean), s: h.s}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), s: h.s}
}

func (h *redactingHandler) redact(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.s.Sanitize(v.String()))
	case slog.KindGroup:
		members := v.Group()
		clean := make([]slog.Attr, 0, len(members))
		for _, m := range members {
			clean = append(clean, h.redact(m))
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	case slog.KindAny:
		if err, ok := v.Any().(error); ok && err != nil {
			return slog.String(a.Key, h.s.Sanitize(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// shortIDLen is how much of an operation ID the console shows.
const shortIDLen = 8

// consoleHandler writes one colorized line per record for interactive use:
//
//	15:04:05 INF [gate] operation queued op=3f1c2a9e actor=alice blocker=...
//
// The component and operation ID are lifted out of the attributes so lines
// from concurrent operations are easy to tell apart.
type consoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	prefix string // rendered attrs from WithAttrs
	groups string // dotted group path, with trailing dot
	comp   string
	op     string
}

func newConsoleHandler(w io.Writer, level slog.Leveler) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(ansiGray + r.Time.Format("15:04:05") + ansiReset + " ")
	b.WriteString(levelTag(r.Level) + " ")

	comp, op := h.comp, h.op
	var rest strings.Builder
	rest.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		switch {
		case h.groups == "" && a.Key == "component":
			comp = a.Value.String()
		case h.groups == "" && a.Key == "operation_id":
			op = a.Value.String()
		default:
			writeAttr(&rest, h.groups, a)
		}
		return true
	})

	if comp != "" {
		b.WriteString("[" + comp + "] ")
	}
	b.WriteString(r.Message)
	if op != "" {
		writeKV(&b, "op", shortID(op))
	}
	b.WriteString(rest.String())
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		switch {
		case h.groups == "" && a.Key == "component":
			next.comp = a.Value.String()
		case h.groups == "" && a.Key == "operation_id":
			next.op = a.Value.String()
		default:
			writeAttr(&b, h.groups, a)
		}
	}
	next.prefix = b.String()
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = h.groups + name + "."
	return &next
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed + "ERR" + ansiReset
	case level >= slog.LevelWarn:
		return ansiYellow + "WRN" + ansiReset
	case level >= slog.LevelInfo:
		return ansiBlue + "INF" + ansiReset
	default:
		return ansiGray + "DBG" + ansiReset
	}
}

func writeAttr(b *strings.Builder, groups string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		prefix := groups
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, m := range v.Group() {
			writeAttr(b, prefix, m)
		}
		return
	}
	if a.Key == "" {
		return
	}
	writeKV(b, groups+a.Key, fmt.Sprint(v.Any()))
}

func writeKV(b *strings.Builder, key, value string) {
	b.WriteString(" " + ansiCyan + key + ansiReset + "=" + value)
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}
