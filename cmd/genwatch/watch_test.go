package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-genclient/internal/checkpoint"
	"github.com/yungbote/neurobridge-genclient/internal/devrunner"
	"github.com/yungbote/neurobridge-genclient/internal/workflow"
)

func devServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := devrunner.New(devrunner.Options{StepDelay: 5 * time.Millisecond})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return srv
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "genclient.yaml")
	if err := writeFile(p, body); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--log-mode", "test"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestWatchCompletesAndCheckpoints(t *testing.T) {
	srv := devServer(t)
	cfgPath := writeYAML(t, "polling_interval: 50ms\ntrigger_body:\n  steps: [outline, quiz]\n")
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "cp.db")

	out, err := execute(t, "--config", cfgPath, "watch", "--base-url", srv.URL, "--checkpoint", dsn, "--key", "lesson-1")
	if err != nil {
		t.Fatalf("watch: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed run=") || !strings.Contains(out, "steps=outline,quiz") {
		t.Fatalf("output:\n%s", out)
	}

	store, err := checkpoint.Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	cp, err := store.Load(context.Background(), "lesson-1")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.Status != workflow.StatusCompleted || len(cp.CompletedSteps) != 2 {
		t.Fatalf("checkpoint=%+v", cp)
	}

	// Resuming a finished run reports it without triggering again.
	out, err = execute(t, "--config", cfgPath, "resume", "--base-url", srv.URL, "--checkpoint", dsn, "--key", "lesson-1")
	if err != nil {
		t.Fatalf("resume: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed run="+cp.RunID) {
		t.Fatalf("resume output:\n%s", out)
	}
}

func TestWatchFailedRunExitsWithError(t *testing.T) {
	srv := devServer(t)
	cfgPath := writeYAML(t, "polling_interval: 50ms\ntrigger_body:\n  steps: [a, b]\n  failAt: b\n")

	out, err := execute(t, "--config", cfgPath, "watch", "--base-url", srv.URL, "--retry", "1")
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("err=%v\n%s", err, out)
	}
	if strings.Count(out, "status=triggering") != 2 {
		t.Fatalf("expected one retry:\n%s", out)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	srv := devServer(t)
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "cp.db")
	cfgPath := writeYAML(t, "env: test\n")
	if _, err := execute(t, "--config", cfgPath, "resume", "--base-url", srv.URL, "--checkpoint", dsn, "--key", "missing"); err == nil {
		t.Fatalf("expected error for missing checkpoint")
	}
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o600)
}
