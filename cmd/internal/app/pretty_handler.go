package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string { return ansiRe.ReplaceAllString(s, "") }

// Event names are "<component>.<what>"; the component picks the colour of the name.
var componentColor = map[string]string{
	"http":      ansiBlue,
	"ws":        ansiCyan,
	"auth":      ansiYellow,
	"docstore":  ansiGreen,
	"reconcile": ansiMagenta,
	"admin":     ansiMagenta,
	"profile":   ansiMagenta,
	"device":    ansiCyan,
	"lookup":    ansiGreen,
}

// Keys naming who or what an event concerns.
var identityKeys = map[string]bool{
	"request_id":        true,
	"subject_id":        true,
	"device_session_id": true,
	"conn_id":           true,
	"sub_id":            true,
	"owner_id":          true,
}

// prettyHandler writes one line per record for a terminal:
//
//	15:04:05.000 WRN http.request request_id=01J method=GET status=404 (middleware.go:80)
//
// Attributes bound with WithAttrs are rendered once, under the groups open at that point.
type prettyHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool

	bound  string
	groups string
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.paint(ts.Format("15:04:05.000"), ansiDim))
	b.WriteByte(' ')
	b.WriteString(h.levelCode(r.Level))
	b.WriteByte(' ')
	b.WriteString(h.event(r.Message))
	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, h.groups, a)
		return true
	})

	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString(h.paint(fmt.Sprintf("(%s:%d)", filepath.Base(frame.File), frame.Line), ansiDim))
		}
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
	b.WriteString(h.bound)
	for _, a := range attrs {
		h.appendAttr(&b, h.groups, a)
	}
	cp := *h
	cp.bound = b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.groups = h.groups + name + "."
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if a.Value.Kind() == slog.KindGroup {
		if key != "" {
			prefix += key + "."
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, prefix, ga)
		}
		return
	}
	if key == "" {
		return
	}

	b.WriteByte(' ')
	switch key {
	case "status_class":
		key = "class"
	case "duration_ms":
		key = "duration"
	}
	b.WriteString(prefix + key)
	b.WriteByte('=')
	b.WriteString(h.value(a.Key, a.Value))
}

func (h *prettyHandler) value(key string, v slog.Value) string {
	switch {
	case identityKeys[key]:
		return h.paint(quoteIfNeeded(v.String()), ansiCyan)
	case key == "err" || key == "panic":
		return h.paint(quoteIfNeeded(valueString(v)), ansiRed)
	case key == "method":
		return h.method(strings.ToUpper(strings.TrimSpace(v.String())))
	case key == "status":
		if n, ok := valueInt(v); ok {
			return h.paint(strconv.FormatInt(n, 10), statusColor(n))
		}
	case key == "status_class":
		if c := v.String(); c != "" {
			return h.paint(c, statusColor(int64(c[0]-'0')*100))
		}
	case key == "duration_ms":
		if n, ok := valueInt(v); ok {
			return h.paint(strconv.FormatInt(n, 10)+"ms", latencyColor(time.Duration(n)*time.Millisecond))
		}
	case key == "result" || key == "state":
		return h.outcome(v.String())
	case v.Kind() == slog.KindDuration:
		return h.paint(v.Duration().String(), latencyColor(v.Duration()))
	}
	return quoteIfNeeded(valueString(v))
}

func (h *prettyHandler) levelCode(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint("ERR", ansiRed)
	case level >= slog.LevelWarn:
		return h.paint("WRN", ansiYellow)
	case level >= slog.LevelInfo:
		return h.paint("INF", ansiBlue)
	default:
		return h.paint("DBG", ansiMagenta)
	}
}

// event colours the component of a dotted event name and brightens the rest.
func (h *prettyHandler) event(msg string) string {
	if !h.color {
		return quoteIfNeeded(msg)
	}
	component, rest, ok := strings.Cut(msg, ".")
	if !ok {
		return h.paint(msg, ansiBright)
	}
	code, known := componentColor[component]
	if !known {
		code = ansiBright
	}
	return h.paint(component, code) + "." + h.paint(rest, ansiBright)
}

func (h *prettyHandler) method(m string) string {
	switch m {
	case "GET", "HEAD":
		return h.paint(m, ansiGreen)
	case "POST":
		return h.paint(m, ansiBlue)
	case "PUT", "PATCH":
		return h.paint(m, ansiYellow)
	case "DELETE":
		return h.paint(m, ansiRed)
	default:
		return h.paint(m, ansiMagenta)
	}
}

// outcome colours request results and session states.
func (h *prettyHandler) outcome(s string) string {
	switch strings.ToLower(s) {
	case "success", "active":
		return h.paint(s, ansiGreen)
	case "redirect", "loading", "awaiting_profile":
		return h.paint(s, ansiCyan)
	case "client_error", "conflicted", "pending":
		return h.paint(s, ansiYellow)
	case "server_error", "panic", "error":
		return h.paint(s, ansiRed)
	default:
		return quoteIfNeeded(s)
	}
}

func (h *prettyHandler) paint(s, code string) string {
	if !h.color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func statusColor(code int64) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func latencyColor(d time.Duration) string {
	switch {
	case d >= time.Second:
		return ansiRed
	case d >= 250*time.Millisecond:
		return ansiYellow
	default:
		return ansiDim
	}
}

func valueString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func valueInt(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
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
