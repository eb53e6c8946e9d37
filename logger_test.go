package kelana

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newBufferedSimpleLogger() (*SimpleLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &SimpleLogger{logger: log.New(&buf, "", 0)}, &buf
}

func TestSimpleLoggerLevels(t *testing.T) {
	l, buf := newBufferedSimpleLogger()

	l.Debug("dbg")
	l.Info("inf")
	l.Warn("wrn")
	l.Error("err")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"DEBUG dbg", "INFO inf", "WARN wrn", "ERROR err"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %d, want %d", len(lines), len(want))
	}
	for i, line := range lines {
		if line != want[i] {
			t.Errorf("line %d = %q, want %q", i, line, want[i])
		}
	}
}

func TestSimpleLoggerKeyValues(t *testing.T) {
	l, buf := newBufferedSimpleLogger()

	l.Info("request done", "method", "GET", "status", 200)

	got := strings.TrimSpace(buf.String())
	if got != "INFO request done method=GET status=200" {
		t.Errorf("line = %q", got)
	}
}

func TestSimpleLoggerOddKeyValues(t *testing.T) {
	l, buf := newBufferedSimpleLogger()

	// A dangling value must not be dropped silently.
	l.Warn("odd", "key", "value", "orphan")

	got := strings.TrimSpace(buf.String())
	if got != "WARN odd key=value orphan" {
		t.Errorf("line = %q", got)
	}
}

func TestLogrusLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.Out = &buf
	base.Level = logrus.DebugLevel
	base.Formatter = &logrus.TextFormatter{DisableTimestamp: true}

	l := NewLogrusLogger(base)
	l.Debug("cache hit", "key", "abc123", "endpoint", "api.example.com/users")

	out := buf.String()
	for _, fragment := range []string{"cache hit", "key=abc123", "endpoint=", "level=debug"} {
		if !strings.Contains(out, fragment) {
			t.Errorf("output %q missing %q", out, fragment)
		}
	}
}

func TestLogrusLoggerNilBase(t *testing.T) {
	l := NewLogrusLogger(nil)
	if l == nil {
		t.Fatal("nil base should fall back to the standard logrus logger")
	}
}

func TestDefaultDebugConfigRequestIDs(t *testing.T) {
	config := DefaultDebugConfig()

	if config.Enabled {
		t.Error("debug logging should be off by default")
	}
	if !config.LogRequests || !config.LogCache || !config.LogRetries || !config.LogScheduler || !config.LogDeduplication {
		t.Error("all event classes should be on by default")
	}

	seen := map[string]bool{}
	for i := 1; i <= 3; i++ {
		id := config.RequestIDGen()
		if seen[id] {
			t.Errorf("duplicate request ID %q", id)
		}
		seen[id] = true
		if !strings.HasPrefix(id, "req-") {
			t.Errorf("request ID %q lacks req- prefix", id)
		}
	}
}

func TestDefaultDebugConfigIndependentSequences(t *testing.T) {
	a := DefaultDebugConfig()
	b := DefaultDebugConfig()

	if id := a.RequestIDGen(); id != "req-1" {
		t.Errorf("first ID = %q, want req-1", id)
	}
	if id := b.RequestIDGen(); id != "req-1" {
		t.Errorf("fresh config first ID = %q, want req-1", id)
	}
}
