package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var levelVar = new(slog.LevelVar)

// output lets SetOutput redirect L without replacing it while other goroutines log.
type output struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

var out = &output{w: os.Stdout}

// L is the process-wide logger. Everything logs JSON to stdout unless SetOutput is called.
var L = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: levelVar}))

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// SetOutput redirects L to w. It is safe to call while other goroutines log.
func SetOutput(w io.Writer) {
	out.mu.Lock()
	out.w = w
	out.mu.Unlock()
}
