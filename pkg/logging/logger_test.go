package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{Level(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"DEBUG", DebugLevel, false},
		{"debug", DebugLevel, false},
		{"", InfoLevel, false},
		{"info", InfoLevel, false},
		{" warn ", WarnLevel, false},
		{"warning", WarnLevel, false},
		{"ERROR", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if got != tt.expected || (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v, err=%v", tt.input, got, err, tt.expected, tt.wantErr)
			}
		})
	}
}

func TestDomainFields(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		key   string
		value any
	}{
		{"LSN", LSN(42), "lsn", int64(42)},
		{"StableLSN", StableLSN(types.InvalidLSN), "stable_lsn", int64(-1)},
		{"PSN", PSN(7), "psn", int64(7)},
		{"Epoch", Epoch(types.NewEpoch(1, 3)), "epoch", "(1,3)"},
		{"ReplicaID", ReplicaID(5), "replica_id", int64(5)},
		{"RecordPosition", RecordPosition(4096), "position", uint64(4096)},
		{"RecordPositionInvalid", RecordPosition(types.InvalidRecordPosition), "position", int64(-1)},
		{"RecordType", RecordType(Level(ErrorLevel)), "record_type", "ERROR"},
		{"Duration", Duration("timeout", 5*time.Second), "timeout", "5s"},
		{"Error", Error(errors.New("flush failed")), "error", "flush failed"},
		{"ErrorNil", Error(nil), "error", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.field.Key != tt.key || tt.field.Value != tt.value {
				t.Errorf("got %+v, want {Key:%s Value:%v}", tt.field, tt.key, tt.value)
			}
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestJSONLogger_BasicLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Info("checkpoint applied", LSN(42), Component("orchestrator"))

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e.Level != "INFO" || e.Message != "checkpoint applied" {
		t.Errorf("entry = %+v", e)
	}
	if e.Component != "orchestrator" {
		t.Errorf("component = %q, want promoted top-level field", e.Component)
	}
	if _, ok := e.Fields["component"]; ok {
		t.Error("component should not be repeated in fields")
	}
	if e.Fields["lsn"] != float64(42) {
		t.Errorf("lsn field = %v", e.Fields["lsn"])
	}
	if _, err := time.Parse(time.RFC3339Nano, e.Time); err != nil {
		t.Errorf("time %q not RFC3339: %v", e.Time, err)
	}
}

func TestJSONLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 || entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestJSONLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewJSONLogger(&buf, InfoLevel)
	child := root.With(Component("wal"), ReplicaID(3))

	child.Debug("hidden")
	root.SetLevel(DebugLevel)
	child.Debug("visible", PSN(9))

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Component != "wal" || entries[0].Fields["replica_id"] != float64(3) || entries[0].Fields["psn"] != float64(9) {
		t.Errorf("entry = %+v", entries[0])
	}
	if child.GetLevel() != DebugLevel {
		t.Error("child should observe the root level")
	}
}

func TestJSONLogger_NoFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	NewJSONLogger(&buf, InfoLevel).Info("plain")
	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("empty fields should be omitted: %s", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	l := OrNop(nil)
	l.Error("dropped")
	if l.With(LSN(1)).GetLevel() != InfoLevel {
		t.Error("NopLogger level")
	}
	if OrNop(NewNopLogger()) == nil {
		t.Error("OrNop should pass loggers through")
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel)

	op := StartTimer(logger, "lock acquired", String("lock", "backup-copy"))
	if d := op.End(); d < 0 {
		t.Errorf("elapsed = %v", d)
	}
	StartTimer(logger, "flush").EndError(errors.New("disk full"))

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Level != "DEBUG" || entries[0].Fields["lock"] != "backup-copy" || entries[0].Fields["latency"] == nil {
		t.Errorf("End entry = %+v", entries[0])
	}
	if entries[1].Level != "ERROR" || entries[1].Fields["error"] != "disk full" {
		t.Errorf("EndError entry = %+v", entries[1])
	}
}

func TestDefaultLogger(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	l := DefaultLogger()
	if l == nil || l != DefaultLogger() {
		t.Fatal("DefaultLogger should return a single instance")
	}
}
