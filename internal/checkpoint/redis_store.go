package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
)

const DefaultRedisPrefix = "genclient:checkpoint:"

type RedisStore struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

// WithTTL expires checkpoints ttl after their last save. Zero keeps them.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func OpenRedis(ctx context.Context, url string, logg *logger.Logger, opts ...RedisOption) (*RedisStore, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ropts.DialTimeout == 0 {
		ropts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb, logg, opts...), nil
}

func NewRedisStore(rdb *goredis.Client, logg *logger.Logger, opts ...RedisOption) *RedisStore {
	if logg == nil {
		logg = logger.Nop()
	}
	s := &RedisStore{
		log:    logg.With("service", "RedisCheckpointStore"),
		rdb:    rdb,
		prefix: DefaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.CompletedSteps == nil {
		cp.CompletedSteps = []string{}
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(cp.Key), raw, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, key string) (Checkpoint, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %q: %w", key, err)
	}
	if cp.CompletedSteps == nil {
		cp.CompletedSteps = []string{}
	}
	return cp, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
