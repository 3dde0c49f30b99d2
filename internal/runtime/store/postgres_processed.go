package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	"github.com/drblury/vehiclerelay/internal/runtime/jsoncodec"
)

const uniqueViolation = "23505"

// PostgresProcessedStore keeps one processed_events_<pipeline> table per
// pipeline, unique on (source_event_id, pipeline_name).
type PostgresProcessedStore struct {
	pool     *pgxpool.Pool
	pipeline string
	table    string
}

// NewPostgresProcessedStore creates the pipeline table when it is missing.
// Pipeline names are validated by config, so they are safe table suffixes.
func NewPostgresProcessedStore(ctx context.Context, pool *pgxpool.Pool, pipeline string) (*PostgresProcessedStore, error) {
	s := &PostgresProcessedStore{
		pool:     pool,
		pipeline: pipeline,
		table:    ProcessedTable(pipeline),
	}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ProcessedTable is the table name used for a pipeline.
func ProcessedTable(pipeline string) string {
	return "processed_events_" + pipeline
}

func (s *PostgresProcessedStore) ensureTable(ctx context.Context) error {
	table := pgx.Identifier{s.table}.Sanitize()
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id              BIGSERIAL PRIMARY KEY,
		consumer_id     TEXT NOT NULL,
		source_event_id TEXT NOT NULL,
		pipeline_name   TEXT NOT NULL,
		processed_by    TEXT NOT NULL,
		processed_at    TIMESTAMPTZ NOT NULL,
		license_plate   TEXT NOT NULL,
		vehicle_type    TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		source          TEXT NOT NULL,
		event_time      TIMESTAMPTZ NOT NULL,
		event           JSONB NOT NULL,
		UNIQUE (source_event_id, pipeline_name)
	)`, table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}

	indexes := map[string]string{
		"license_plate": "license_plate",
		"event_time":    "event_time DESC",
		"event_type":    "event_type",
		"vehicle_type":  "vehicle_type",
		"source":        "source",
		"processed_at":  "processed_at",
	}
	for name, column := range indexes {
		idx := pgx.Identifier{s.table + "_" + name + "_idx"}.Sanitize()
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`, idx, table, column)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresProcessedStore) Insert(ctx context.Context, rec *events.ProcessingRecord) error {
	if rec == nil {
		return errspkg.ErrEventRequired
	}
	payload, err := jsoncodec.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.SourceEventID, err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			consumer_id, source_event_id, pipeline_name, processed_by, processed_at,
			license_plate, vehicle_type, event_type, source, event_time, event
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source_event_id, pipeline_name) DO NOTHING
		RETURNING id`, pgx.Identifier{s.table}.Sanitize()),
		rec.ConsumerID, rec.SourceEventID, s.pipeline, rec.ProcessedBy, rec.ProcessedAt,
		rec.Event.LicensePlate, rec.Event.VehicleType, rec.Event.EventType, rec.Event.Source,
		rec.Event.EventTime, payload,
	).Scan(&id)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == uniqueViolation) {
		return &errspkg.DuplicateEventError{EventID: rec.SourceEventID, Pipeline: s.pipeline}
	}
	return fmt.Errorf("insert record %s: %w", rec.SourceEventID, err)
}

func (s *PostgresProcessedStore) Count(ctx context.Context) (int64, error) {
	var n int64
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pgx.Identifier{s.table}.Sanitize())
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	return n, nil
}

func (s *PostgresProcessedStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresProcessedStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE processed_at < $1`, pgx.Identifier{s.table}.Sanitize())
	tag, err := s.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresProcessedStore) Close() error { return nil }
