package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type HandlerOptions struct {
	Level   slog.Leveler
	NoColor bool
}

// ConsoleHandler writes one line per record: time | level | message key=value...
type ConsoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	opts   HandlerOptions
	attrs  []slog.Attr
	groups []string
}

func NewConsoleHandler(w io.Writer, opts *HandlerOptions) *ConsoleHandler {
	h := &ConsoleHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *ConsoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return l >= minLevel
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(h.paint(color.FgGreen, ts.Format("2006-01-02T15:04:05.000")))
	b.WriteString(" | ")
	b.WriteString(h.levelTag(r.Level))
	b.WriteString(" | ")
	b.WriteString(h.paint(color.FgCyan, r.Message))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	nh := *h
	nh.attrs = merged
	return &nh
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func (h *ConsoleHandler) appendAttr(b *strings.Builder, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, prefix+a.Key+".")
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(h.paint(color.FgHiBlack, prefix+a.Key+"="))
	b.WriteString(fmt.Sprint(a.Value.Any()))
}

func (h *ConsoleHandler) levelTag(l slog.Level) string {
	s := fmt.Sprintf("%-5s", l.String())
	switch {
	case l >= slog.LevelError:
		return h.paint(color.FgRed, s)
	case l >= slog.LevelWarn:
		return h.paint(color.FgYellow, s)
	case l >= slog.LevelInfo:
		return h.paint(color.FgBlue, s)
	default:
		return h.paint(color.FgMagenta, s)
	}
}

func (h *ConsoleHandler) paint(attr color.Attribute, s string) string {
	if h.opts.NoColor {
		return s
	}
	return color.New(attr).Sprint(s)
}
