package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// Logger is a named, leveled logger. Every line carries the component prefix
// "[name>]" so output from the transport, queue, router and coordinator can be
// told apart when they interleave.
type Logger struct {
	name string
	std  *log.Logger
}

// sink keeps atomic.Value holding a single concrete type regardless of the
// writer assigned by SetOutput.
type sink struct {
	w io.Writer
}

var (
	globalDebug  atomic.Bool
	serviceDebug sync.Map // name -> *atomic.Bool
	loggers      sync.Map // name -> *Logger
	output       atomic.Value
)

func init() {
	output.Store(sink{w: os.Stderr})
}

// ForService returns the memoized logger for a component name.
func ForService(name string) *Logger {
	if name == "" {
		name = "unknown"
	}
	if l, ok := loggers.Load(name); ok {
		return l.(*Logger)
	}
	w := output.Load().(sink).w
	l := &Logger{name: name, std: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
	actual, _ := loggers.LoadOrStore(name, l)
	return actual.(*Logger)
}

// SetGlobalDebug turns debug output on or off for every component.
func SetGlobalDebug(enabled bool) {
	globalDebug.Store(enabled)
}

// GlobalDebug reports whether debug output is enabled globally.
func GlobalDebug() bool {
	return globalDebug.Load()
}

// EnableDebugFor turns on debug output for a single component.
func EnableDebugFor(name string) {
	if name == "" {
		return
	}
	v, _ := serviceDebug.LoadOrStore(name, &atomic.Bool{})
	v.(*atomic.Bool).Store(true)
}

// DisableDebugFor turns off the per-component debug override.
func DisableDebugFor(name string) {
	if v, ok := serviceDebug.Load(name); ok {
		v.(*atomic.Bool).Store(false)
	}
}

// DebugEnabledFor reports whether debug lines for name would be printed.
func DebugEnabledFor(name string) bool {
	if globalDebug.Load() {
		return true
	}
	if v, ok := serviceDebug.Load(name); ok {
		return v.(*atomic.Bool).Load()
	}
	return false
}

// SetOutput redirects all existing and future loggers to w.
func SetOutput(w io.Writer) {
	if w == nil {
		return
	}
	output.Store(sink{w: w})
	loggers.Range(func(_, v any) bool {
		v.(*Logger).std.SetOutput(w)
		return true
	})
}

// Name returns the component name the logger was created for.
func (l *Logger) Name() string { return l.name }

func (l *Logger) emit(level, msg string) {
	l.std.Println(level + " [" + l.name + ">] " + msg)
}

// Infof logs at INFO level.
func (l *Logger) Infof(format string, args ...any) {
	l.emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs at WARN level.
func (l *Logger) Warnf(format string, args ...any) {
	l.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs at ERROR level.
func (l *Logger) Errorf(format string, args ...any) {
	l.emit(LevelError, fmt.Sprintf(format, args...))
}

// Debugf logs at DEBUG level when debug is enabled for this component.
func (l *Logger) Debugf(format string, args ...any) {
	if !DebugEnabledFor(l.name) {
		return
	}
	l.emit(LevelDebug, fmt.Sprintf(format, args...))
}

const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelDebug = "DEBUG"
)
