package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
	"github.com/yungbote/neurobridge-genclient/internal/workflow"
)

type checkpointRow struct {
	Key            string         `gorm:"column:checkpoint_key;primaryKey"`
	RunID          string         `gorm:"column:run_id;index"`
	Status         string         `gorm:"column:status"`
	Cursor         int            `gorm:"column:stream_cursor"`
	CurrentStep    string         `gorm:"column:current_step"`
	CompletedSteps datatypes.JSON `gorm:"column:completed_steps;type:jsonb"`
	Error          string         `gorm:"column:error"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null;index"`
}

func (checkpointRow) TableName() string { return "generation_checkpoints" }

type GormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func OpenSQLite(path string, logg *logger.Logger) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite checkpoint path required")
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return NewGormStore(db, logg)
}

func OpenPostgres(dsn string, logg *logger.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return NewGormStore(db, logg)
}

// NewGormStore wraps an existing connection and migrates the checkpoint table.
func NewGormStore(db *gorm.DB, logg *logger.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoints: %w", err)
	}
	return &GormStore{db: db, log: logg.With("service", "GormCheckpointStore")}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLogger.New(
			log.New(os.Stderr, "\r\n", log.LstdFlags),
			gormLogger.Config{
				SlowThreshold:             1 * time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	}
}

func (s *GormStore) Save(ctx context.Context, cp Checkpoint) error {
	steps := cp.CompletedSteps
	if steps == nil {
		steps = []string{}
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	row := checkpointRow{
		Key:            cp.Key,
		RunID:          cp.RunID,
		Status:         string(cp.Status),
		Cursor:         cp.Cursor,
		CurrentStep:    cp.CurrentStep,
		CompletedSteps: datatypes.JSON(raw),
		Error:          cp.Error,
		UpdatedAt:      cp.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "checkpoint_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"run_id",
			"status",
			"stream_cursor",
			"current_step",
			"completed_steps",
			"error",
			"updated_at",
		}),
	}).Create(&row).Error
}

func (s *GormStore) Load(ctx context.Context, key string) (Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).Where("checkpoint_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	steps := []string{}
	if len(row.CompletedSteps) > 0 {
		if err := json.Unmarshal(row.CompletedSteps, &steps); err != nil {
			return Checkpoint{}, fmt.Errorf("decode completed steps for %q: %w", key, err)
		}
	}
	return Checkpoint{
		Key:            row.Key,
		RunID:          row.RunID,
		Status:         workflow.Status(row.Status),
		Cursor:         row.Cursor,
		CurrentStep:    row.CurrentStep,
		CompletedSteps: steps,
		Error:          row.Error,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("checkpoint_key = ?", key).Delete(&checkpointRow{}).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
