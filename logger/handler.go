package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// buildHandler picks the slog.Handler for the configured format. The color
// format degrades to plain text when output is not a terminal, so piped and
// redirected logs stay free of escape codes.
func buildHandler(format string, level slog.Level, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "json":
		return slog.NewJSONHandler(output, opts)
	case "text":
		return slog.NewTextHandler(output, opts)
	default: // "color" and unset
		if isTerminal(output) {
			return newColorHandler(output, level)
		}
		return slog.NewTextHandler(output, opts)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// colorHandler renders one line per record: a short timestamp, a colored
// level tag, the message, then key=value attrs. The pool attr is painted so
// interleaved per-pool tick logs can be told apart at a glance.
type colorHandler struct {
	output io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
}

func newColorHandler(output io.Writer, level slog.Leveler) *colorHandler {
	return &colorHandler{output: output, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(paintLevel(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		h.writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, a)
		return true
	})

	b.WriteByte('\n')
	_, err := io.WriteString(h.output, b.String())
	return err
}

func (h *colorHandler) writeAttr(b *strings.Builder, a slog.Attr) {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	val := fmt.Sprintf("%v", a.Value.Resolve())
	if key == "pool" {
		val = color.MagentaString(val)
	}
	fmt.Fprintf(b, " %s=%s", key, val)
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func paintLevel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return color.RedString("ERROR")
	case level >= slog.LevelWarn:
		return color.YellowString("WARN")
	case level >= slog.LevelInfo:
		return color.GreenString("INFO")
	default:
		return color.CyanString("DEBUG")
	}
}
