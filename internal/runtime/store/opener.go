package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	"github.com/drblury/vehiclerelay/internal/runtime/config"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
)

// Opener builds stores from configuration and owns the shared Postgres pool
// and Redis client. Close releases them.
type Opener struct {
	cfg    config.StoreConfig
	logger loggingpkg.ServiceLogger
	clock  clock.Clock

	mu       sync.Mutex
	pool     *pgxpool.Pool
	redis    *redis.Client
	migrated bool
}

func NewOpener(cfg config.StoreConfig, logger loggingpkg.ServiceLogger, c clock.Clock) *Opener {
	if c == nil {
		c = clock.Real()
	}
	return &Opener{cfg: cfg, logger: logger, clock: c}
}

// EventStore opens the store selected by store.driver.
func (o *Opener) EventStore(ctx context.Context) (EventStore, error) {
	switch strings.ToLower(o.cfg.Driver) {
	case "memory":
		return NewMemoryEventStore(o.clock), nil
	case "postgres":
		pool, err := o.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return NewPostgresEventStore(pool), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", o.cfg.Driver)
	}
}

// ProcessedStore opens the store a pipeline records processed events in.
func (o *Opener) ProcessedStore(ctx context.Context, p config.PipelineConfig) (ProcessedStore, error) {
	switch strings.ToLower(p.Store) {
	case "memory":
		return NewMemoryProcessedStore(p.Name), nil
	case "redis":
		client, err := o.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewRedisProcessedStore(client, p.Name, o.cfg.Retention), nil
	case "postgres":
		pool, err := o.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return NewPostgresProcessedStore(ctx, pool, p.Name)
	default:
		return nil, fmt.Errorf("pipeline %s: unknown store %q", p.Name, p.Store)
	}
}

func (o *Opener) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.migrated && o.cfg.MigrateOnStart {
		if err := Migrate(o.cfg.PostgresURL, o.logger); err != nil {
			return nil, err
		}
		o.migrated = true
	}
	if o.pool != nil {
		return o.pool, nil
	}

	pool, err := pgxpool.New(ctx, o.cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	o.pool = pool
	return pool, nil
}

func (o *Opener) redisClient(ctx context.Context) (*redis.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.redis != nil {
		return o.redis, nil
	}

	opts, err := redis.ParseURL(o.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		o.logger.Error("Redis not reachable yet", err, nil)
	}
	o.redis = client
	return client, nil
}

// Close releases the shared connections.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pool != nil {
		o.pool.Close()
		o.pool = nil
	}
	if o.redis != nil {
		err := o.redis.Close()
		o.redis = nil
		return err
	}
	return nil
}
