package kelana

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal structured logging interface used for debug output.
// Key/value pairs follow the message, alternating keys and values.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// SimpleLogger writes leveled lines to stderr via the standard log package.
type SimpleLogger struct {
	logger *log.Logger
}

// NewSimpleLogger creates a console logger suitable for development.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		logger: log.New(os.Stderr, "kelana ", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *SimpleLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.print("DEBUG", msg, keysAndValues...)
}

func (l *SimpleLogger) Info(msg string, keysAndValues ...interface{}) {
	l.print("INFO", msg, keysAndValues...)
}

func (l *SimpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.print("WARN", msg, keysAndValues...)
}

func (l *SimpleLogger) Error(msg string, keysAndValues ...interface{}) {
	l.print("ERROR", msg, keysAndValues...)
}

func (l *SimpleLogger) print(level, msg string, keysAndValues ...interface{}) {
	line := level + " " + msg
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		line += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	if len(keysAndValues)%2 == 1 {
		line += fmt.Sprintf(" %v", keysAndValues[len(keysAndValues)-1])
	}
	l.logger.Println(line)
}

// LogrusLogger adapts a logrus logger to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps an existing logrus logger. Pass nil to use
// logrus.StandardLogger.
func NewLogrusLogger(base *logrus.Logger) *LogrusLogger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: logrus.NewEntry(base)}
}

func (l *LogrusLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Debug(msg)
}

func (l *LogrusLogger) Info(msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Info(msg)
}

func (l *LogrusLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Warn(msg)
}

func (l *LogrusLogger) Error(msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Error(msg)
}

func (l *LogrusLogger) withFields(keysAndValues []interface{}) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

// DebugConfig controls which request lifecycle events are logged.
type DebugConfig struct {
	Enabled          bool
	LogRequests      bool
	LogCache         bool
	LogRetries       bool
	LogScheduler     bool
	LogDeduplication bool
	RequestIDGen     func() string
}

// DefaultDebugConfig returns a disabled config with all event classes on and
// a monotonic request ID generator.
func DefaultDebugConfig() *DebugConfig {
	var seq atomic.Uint64
	return &DebugConfig{
		Enabled:          false,
		LogRequests:      true,
		LogCache:         true,
		LogRetries:       true,
		LogScheduler:     true,
		LogDeduplication: true,
		RequestIDGen: func() string {
			return fmt.Sprintf("req-%d", seq.Add(1))
		},
	}
}
