package printer

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var logMu sync.Mutex

// ExternalLogger defines the minimal logger the printer package can use.
// Implemented by the app's structured logger. Kept small to avoid tight coupling.
type ExternalLogger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
	Trace(msg string, context ...interface{})
}

var extLogger ExternalLogger

// SetLogger allows the application to inject a structured logger.
// When set, the package-level log helpers delegate to it.
func SetLogger(l ExternalLogger) {
	extLogger = l
}

func writeLine(level string, msg string, context ...interface{}) {
	if len(context) > 0 {
		msg = fmt.Sprintf("%s %v", msg, context)
	}
	line := fmt.Sprintf("%s [%s] %s", time.Now().Format(time.RFC3339), level, msg)
	logMu.Lock()
	defer logMu.Unlock()
	fmt.Fprintln(os.Stderr, line)
}

// Info logs an informational message with optional key/value context.
func Info(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Info(msg, context...)
		return
	}
	writeLine("INFO", msg, context...)
}

// Warn logs a warning message with optional key/value context.
func Warn(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Warn(msg, context...)
		return
	}
	writeLine("WARN", msg, context...)
}

// Error logs an error message with optional key/value context.
func Error(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Error(msg, context...)
		return
	}
	writeLine("ERROR", msg, context...)
}

// Debug logs a debug message with optional key/value context.
func Debug(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Debug(msg, context...)
		return
	}
	// Stdout fallback stays quiet below INFO
}

// Trace logs a per-command protocol message. High volume, so only the
// injected logger ever sees it.
func Trace(msg string, context ...interface{}) {
	if extLogger != nil {
		extLogger.Trace(msg, context...)
	}
}
