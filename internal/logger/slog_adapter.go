package logger

import (
	"context"
	"log"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler writing through l. Attributes are
// rendered as key=value after the message; groups become dotted key
// prefixes. Returns nil for a nil logger.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogHandler{log: l}
}

// NewStdLogger returns a *log.Logger whose output is written to l at level,
// for libraries such as net/http that only accept a standard logger
func NewStdLogger(l *Logger, level slog.Level) *log.Logger {
	if l == nil {
		l = Global()
	}
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

type slogHandler struct {
	log *Logger
	// group is the dotted prefix for attributes added from here on
	group string
	// attrs holds already rendered key=value pairs
	attrs string
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.log.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Message)
	if h.attrs != "" {
		appendSep(&b)
		b.WriteString(h.attrs)
	}
	record.Attrs(func(a slog.Attr) bool {
		renderAttr(&b, h.group, a)
		return true
	})

	h.log.log(fromSlogLevel(record.Level), "%s", b.String())
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		renderAttr(&b, h.group, a)
	}
	return &slogHandler{log: h.log, group: h.group, attrs: b.String()}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{log: h.log, group: h.group + name + ".", attrs: h.attrs}
}

func renderAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		nested := group
		if a.Key != "" {
			nested += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			renderAttr(b, nested, g)
		}
		return
	}

	key := a.Key
	if key == "" {
		key = "attr"
	}
	appendSep(b)
	b.WriteString(group)
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

func appendSep(b *strings.Builder) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}
