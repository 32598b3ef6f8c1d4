package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ANSI color codes used for console output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger provides formatted console output for the probe, including
// JSON-RPC traffic tracing.
type Logger struct {
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
	mu          sync.Mutex
}

// NewLogger creates a logger writing to stdout
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to w
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      w,
	}
}

// SetVerbose toggles verbose output
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// SetWriter replaces the output writer
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// IsVerbose reports whether verbose output is enabled
func (l *Logger) IsVerbose() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func (l *Logger) write(color, prefix, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05")
	if l.useColor && color != "" {
		fmt.Fprintf(l.writer, "%s[%s]%s %s%s%s\n", colorGray, ts, colorReset, color, prefix+msg, colorReset)
		return
	}
	fmt.Fprintf(l.writer, "[%s] %s\n", ts, prefix+msg)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.write("", "", format, args...)
}

// Success logs a success message
func (l *Logger) Success(format string, args ...interface{}) {
	l.write(colorGreen, "", format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(colorYellow, "WARN: ", format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(colorRed, "ERROR: ", format, args...)
}

// Debug logs a message only in verbose mode
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.write(colorGray, "DEBUG: ", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.Info(format, args...)
}

// WarningVerbose logs a warning only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.Warning(format, args...)
}

// Request logs an outgoing JSON-RPC request
func (l *Logger) Request(method string, params interface{}) {
	l.traffic(colorBlue, "→", "REQUEST", method, params)
}

// Response logs an incoming JSON-RPC response
func (l *Logger) Response(method string, result interface{}) {
	l.traffic(colorCyan, "←", "RESPONSE", method, result)
}

// Notification logs a JSON-RPC notification in either direction
func (l *Logger) Notification(method string, params interface{}) {
	l.traffic(colorPurple, "⚡", "NOTIFICATION", method, params)
}

func (l *Logger) traffic(color, arrow, kind, method string, payload interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	jsonRPC := l.jsonRPCMode
	verbose := l.verbose
	l.mu.Unlock()

	switch {
	case jsonRPC:
		l.write(color, "", "%s %s %s\n%s", arrow, kind, method, PrettyJSON(payload))
	case verbose:
		l.write(color, "", "%s %s %s %s", arrow, kind, method, compactJSON(payload))
	default:
		l.write(color, "", "%s %s %s", arrow, kind, method)
	}
}

// PrettyJSON pretty-prints a value for logging
func PrettyJSON(v interface{}) string {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}

func compactJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	s := string(b)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return strings.TrimSpace(s)
}
