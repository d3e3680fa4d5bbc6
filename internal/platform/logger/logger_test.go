package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func TestLoggerRedactsSecrets(t *testing.T) {
	log, logs := observed()
	jwtish := "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJnZW53YXRjaCJ9.sig"

	log.Info("request",
		"bearer_token", "abc",
		"run_id", "r1",
		"value", jwtish,
		"headers", map[string]string{"Authorization": "Bearer abc", "Accept": "application/json"},
	)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["bearer_token"] != "[REDACTED]" || fields["value"] != "[REDACTED]" {
		t.Fatalf("fields=%v", fields)
	}
	if fields["run_id"] != "r1" {
		t.Fatalf("run_id=%v", fields["run_id"])
	}
}

func TestWithCarriesFields(t *testing.T) {
	log, logs := observed()
	log.With("component", "Generation").Warn("stream ended", "status", "streaming")

	fields := logs.All()[0].ContextMap()
	if fields["component"] != "Generation" || fields["status"] != "streaming" {
		t.Fatalf("fields=%v", fields)
	}
}

func TestNewHonorsMode(t *testing.T) {
	for _, mode := range []string{"production", "test", "development"} {
		l, err := New(mode)
		if err != nil {
			t.Fatalf("New(%q): %v", mode, err)
		}
		l.Sync()
	}
}
