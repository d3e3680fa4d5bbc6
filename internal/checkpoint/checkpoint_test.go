package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-genclient/internal/workflow"
)

func sampleCheckpoint(key string) Checkpoint {
	return Checkpoint{
		Key:            key,
		RunID:          "run-1",
		Status:         workflow.StatusStreaming,
		Cursor:         3,
		CurrentStep:    "quiz",
		CompletedSteps: []string{"outline", "content"},
		UpdatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "lesson-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load missing: err=%v", err)
	}

	cp := sampleCheckpoint("lesson-1")
	if err := s.Save(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "lesson-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RunID != cp.RunID || got.Status != cp.Status || got.Cursor != cp.Cursor || got.CurrentStep != cp.CurrentStep {
		t.Fatalf("got=%+v want=%+v", got, cp)
	}
	if !reflect.DeepEqual(got.CompletedSteps, cp.CompletedSteps) {
		t.Fatalf("completed steps: got=%v want=%v", got.CompletedSteps, cp.CompletedSteps)
	}

	cp.Status = workflow.StatusCompleted
	cp.Cursor = 6
	cp.CurrentStep = ""
	cp.CompletedSteps = append(cp.CompletedSteps, "quiz")
	if err := s.Save(ctx, cp); err != nil {
		t.Fatalf("save over existing: %v", err)
	}
	got, err = s.Load(ctx, "lesson-1")
	if err != nil {
		t.Fatalf("load after update: %v", err)
	}
	if got.Status != workflow.StatusCompleted || got.Cursor != 6 || len(got.CompletedSteps) != 3 {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := s.Delete(ctx, "lesson-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(ctx, "lesson-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load after delete: err=%v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestGormStoreSQLite(t *testing.T) {
	t.Parallel()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"), nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewRedisStore(rdb, nil, WithTTL(time.Minute))
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)

	if err := s.Save(context.Background(), sampleCheckpoint("ttl")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ttl := mr.TTL(DefaultRedisPrefix + "ttl"); ttl != time.Minute {
		t.Fatalf("ttl=%s", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Load(context.Background(), "ttl"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired checkpoint still loadable: err=%v", err)
	}
}

func TestOpenDispatchesOnDSN(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)

	s, err := Open(ctx, "memory:", nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("memory dsn gave %T", s)
	}

	s, err = Open(ctx, "redis://"+mr.Addr()+"/0", nil)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	if _, ok := s.(*RedisStore); !ok {
		t.Fatalf("redis dsn gave %T", s)
	}
	_ = s.Close()

	if _, err := Open(ctx, "mongodb://nope", nil); err == nil {
		t.Fatalf("expected unsupported dsn error")
	}
}

func TestApplySeedsResumeConfig(t *testing.T) {
	t.Parallel()
	cp := sampleCheckpoint("k")
	cfg := cp.Apply(workflow.Config{TriggerURL: "t", StatusURL: "s", PollingURL: "p"})
	if cfg.InitialRunID != "run-1" || cfg.InitialStatus != workflow.StatusStreaming || cfg.InitialCursor != 3 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !reflect.DeepEqual(cfg.InitialCompletedSteps, []string{"outline", "content"}) {
		t.Fatalf("steps=%v", cfg.InitialCompletedSteps)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("applied config invalid: %v", err)
	}

	empty := Checkpoint{Key: "k"}.Apply(workflow.Config{})
	if empty.InitialRunID != "" || empty.InitialStatus != "" {
		t.Fatalf("empty checkpoint seeded config: %+v", empty)
	}
}

func TestTrackSavesEverySnapshot(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	updates := make(chan workflow.Snapshot, 3)
	updates <- workflow.Snapshot{State: workflow.State{Status: workflow.StatusTriggering, CompletedSteps: []string{}}}
	updates <- workflow.Snapshot{State: workflow.State{Status: workflow.StatusStreaming, RunID: "r1", CompletedSteps: []string{}}}
	updates <- workflow.Snapshot{State: workflow.State{Status: workflow.StatusStreaming, RunID: "r1", CompletedSteps: []string{"a"}}, Cursor: 2}
	close(updates)

	if err := Track(context.Background(), store, "lesson", updates, nil); err != nil {
		t.Fatalf("Track: %v", err)
	}
	cp, err := store.Load(context.Background(), "lesson")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.RunID != "r1" || cp.Cursor != 2 || !cp.Resumable() {
		t.Fatalf("checkpoint=%+v", cp)
	}
}
