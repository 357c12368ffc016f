package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	levelMu     sync.RWMutex
	globalLevel = slog.LevelDebug
)

// SipgoWriter reformats the JSON lines sipgo's zerolog emits into the
// same line format as the rest of the process.
type SipgoWriter struct {
	base io.Writer
}

// NewSipgoWriter wraps base.
func NewSipgoWriter(base io.Writer) *SipgoWriter {
	return &SipgoWriter{base: base}
}

// Write implements io.Writer
func (w *SipgoWriter) Write(p []byte) (int, error) {
	trimmed := strings.TrimSpace(string(p))
	if !strings.HasPrefix(trimmed, "{") {
		return w.base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := "sipgo"
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}
	stamp := time.Now()
	if t, ok := entry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			stamp = ts
		}
	}
	if ParseLevel(level) < currentLevel() {
		return len(p), nil
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "time", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	if _, err := io.WriteString(w.base, formatLine(stamp, strings.ToUpper(level), "[SIP] "+message, attrs)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	levelMu.Lock()
	defer levelMu.Unlock()
	globalLevel = ParseLevel(levelStr)
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch currentLevel() {
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level. Unknown values map to debug.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func currentLevel() slog.Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return globalLevel
}

// lineHandler renders records as "[15:04:05] [LEVEL] msg k=v ..." to every output.
type lineHandler struct {
	mu     *sync.Mutex
	outs   []io.Writer
	attrs  []string
	prefix string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentLevel()
}

func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < currentLevel() {
		return nil
	}

	attrs := make([]string, 0, len(h.attrs)+record.NumAttrs())
	attrs = append(attrs, h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.prefix, a)
		return true
	})

	line := formatLine(record.Time, strings.ToUpper(record.Level.String()), record.Message, attrs)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = io.WriteString(out, line)
		}
	}
	return nil
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]string, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.prefix, a)
	}
	return &next
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, prefix+a.Key+".", ga)
		}
		return dst
	}
	return append(dst, prefix+a.Key+"="+a.Value.String())
}

func formatLine(t time.Time, level, message string, attrs []string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(t.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(level)
	b.WriteString("] ")
	b.WriteString(message)
	if len(attrs) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(attrs, " "))
	}
	b.WriteString("\n")
	return b.String()
}

// NewHandler returns the line handler writing to outputs.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &lineHandler{mu: &sync.Mutex{}, outs: outputs}
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))
}

func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}
