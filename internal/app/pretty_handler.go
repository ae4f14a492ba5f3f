package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler writes one aligned line per record for a developer terminal:
//
//	10:00:00.000 INFO  workspace.lock.granted  cell=5/status session_id=01J...
//
// row_id and column attributes on the same record are folded into a single cell field.
type prettyHandler struct {
	w     io.Writer
	level slog.Leveler
	src   bool
	color bool

	prefix string // group path, dot-terminated
	pre    string // attributes rendered by WithAttrs

	mu *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *prettyHandler {
	h := &prettyHandler{w: w, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.src = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(paint(r.Message, ansiBright, h.color))
	b.WriteByte(' ')

	if h.src && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			b.WriteString(paint(fmt.Sprintf(" %s:%d", filepath.Base(f.File), f.Line), ansiDim, h.color))
		}
	}

	b.WriteString(h.pre)

	var cell cellParts
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix == "" && cell.take(a) {
			return true
		}
		h.render(&b, h.prefix, a)
		return true
	})
	if s, ok := cell.String(); ok {
		b.WriteString(" cell=")
		b.WriteString(paint(s, ansiCyan, h.color))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.pre)
	for _, a := range attrs {
		h.render(&b, h.prefix, a)
	}
	cp := *h
	cp.pre = b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) render(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if key != "" {
			sub += key + "."
		}
		for _, ga := range a.Value.Group() {
			h.render(b, sub, ga)
		}
		return
	}

	full := prefix + key
	name, format := prettyField(full)
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(format(a.Value, h.color))
}

// cellParts collects row_id and column so they print as one field.
type cellParts struct {
	row    string
	column string
}

func (c *cellParts) take(a slog.Attr) bool {
	switch a.Key {
	case "row_id":
		c.row = valueToString(a.Value.Resolve())
		return true
	case "column":
		c.column = valueToString(a.Value.Resolve())
		return true
	}
	return false
}

func (c cellParts) String() (string, bool) {
	switch {
	case c.row == "" && c.column == "":
		return "", false
	case c.column == "":
		return c.row + "/?", true
	case c.row == "":
		return "?/" + c.column, true
	default:
		return c.row + "/" + c.column, true
	}
}

type fieldFormat func(v slog.Value, color bool) string

// prettyField maps a key to its display name and formatter.
func prettyField(key string) (string, fieldFormat) {
	switch key {
	case "method":
		return key, func(v slog.Value, color bool) string {
			return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), color)
		}
	case "path":
		return key, func(v slog.Value, color bool) string { return paint(v.String(), ansiCyan, color) }
	case "status":
		return key, func(v slog.Value, color bool) string {
			if n, ok := valueToInt64(v); ok {
				return colorizeStatusCode(int(n), color)
			}
			return plainValue(v, color)
		}
	case "status_class":
		return "class", func(v slog.Value, color bool) string {
			return colorizeStatusClass(strings.TrimSpace(v.String()), color)
		}
	case "duration_ms":
		return "duration", func(v slog.Value, color bool) string {
			if n, ok := valueToInt64(v); ok {
				return colorizeDurationMS(n, color)
			}
			return plainValue(v, color)
		}
	case "result", "outcome":
		return key, func(v slog.Value, color bool) string {
			return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), color)
		}
	case "session_id", "holder_session_id", "conn_id":
		return key, func(v slog.Value, color bool) string {
			return paint(quoteIfNeeded(valueToString(v)), ansiDim, color)
		}
	case "err":
		return key, func(v slog.Value, color bool) string {
			return paint(quoteIfNeeded(valueToString(v)), ansiRed, color)
		}
	default:
		return key, plainValue
	}
}

func plainValue(v slog.Value, _ bool) string {
	return quoteIfNeeded(valueToString(v))
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// levelTag pads to five columns so event names line up.
func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("ERROR", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("WARN ", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("DEBUG", ansiMagenta, color)
	default:
		return paint("INFO ", ansiBlue, color)
	}
}
