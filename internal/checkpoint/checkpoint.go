package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
	"github.com/yungbote/neurobridge-genclient/internal/workflow"
)

var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the persisted form of a generation snapshot, enough to
// resume observing a run after the process restarts.
type Checkpoint struct {
	Key            string          `json:"key"`
	RunID          string          `json:"run_id"`
	Status         workflow.Status `json:"status"`
	Cursor         int             `json:"cursor"`
	CurrentStep    string          `json:"current_step,omitempty"`
	CompletedSteps []string        `json:"completed_steps"`
	Error          string          `json:"error,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, key string) (Checkpoint, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

func FromSnapshot(key string, snap workflow.Snapshot) Checkpoint {
	return Checkpoint{
		Key:            key,
		RunID:          snap.RunID,
		Status:         snap.Status,
		Cursor:         snap.Cursor,
		CurrentStep:    snap.CurrentStep,
		CompletedSteps: append([]string{}, snap.CompletedSteps...),
		Error:          snap.Error,
		UpdatedAt:      time.Now().UTC(),
	}
}

// Resumable reports whether the checkpoint names a run that can still be
// observed. Idle and triggering checkpoints carry no run id.
func (c Checkpoint) Resumable() bool {
	return c.RunID != "" && c.Status == workflow.StatusStreaming
}

// Apply seeds cfg so that a new Generation picks up where c left off.
func (c Checkpoint) Apply(cfg workflow.Config) workflow.Config {
	if c.RunID == "" {
		return cfg
	}
	cfg.InitialRunID = c.RunID
	cfg.InitialStatus = c.Status
	if c.Status == workflow.StatusIdle || c.Status == workflow.StatusTriggering {
		cfg.InitialStatus = workflow.StatusStreaming
	}
	cfg.InitialCursor = c.Cursor
	cfg.InitialCompletedSteps = append([]string(nil), c.CompletedSteps...)
	return cfg
}

// Track saves every snapshot received on updates until the channel closes
// or ctx is done. Save errors are logged; the last one is returned.
func Track(ctx context.Context, store Store, key string, updates <-chan workflow.Snapshot, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return lastErr
		case snap, ok := <-updates:
			if !ok {
				return lastErr
			}
			if err := store.Save(ctx, FromSnapshot(key, snap)); err != nil {
				if ctx.Err() != nil {
					return lastErr
				}
				log.Warn("Checkpoint save failed", "key", key, "error", err)
				lastErr = err
			}
		}
	}
}

// Open picks a store from dsn:
//
//	memory:
//	sqlite:<path>
//	postgres://... or postgresql://...
//	redis://...
//
// opts only apply to redis stores.
func Open(ctx context.Context, dsn string, log *logger.Logger, opts ...RedisOption) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory:":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		s, err := OpenSQLite(strings.TrimPrefix(dsn, "sqlite:"), log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := OpenPostgres(dsn, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		s, err := OpenRedis(ctx, dsn, log, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint dsn %q", dsn)
	}
}
