package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	"github.com/drblury/vehiclerelay/internal/runtime/jsoncodec"
)

// PostgresEventStore stores events in the vehicle_events table.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore uses an existing pool. The schema must already be
// migrated; see Migrate.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

const eventColumns = `payload, relay_state, publish_attempts, last_error, published_at, updated_at`

func (s *PostgresEventStore) Persist(ctx context.Context, ev *events.VehicleEvent) (PersistResult, error) {
	if ev == nil {
		return PersistResult{}, errspkg.ErrEventRequired
	}
	payload, err := jsoncodec.Marshal(ev)
	if err != nil {
		return PersistResult{}, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO vehicle_events (
			id, source_message_id, license_plate, vehicle_type, event_type,
			source, event_time, received_at, payload, relay_state, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'STORED', NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING `+eventColumns,
		ev.ID, ev.SourceMessageID, ev.LicensePlate, ev.VehicleType, ev.EventType,
		ev.Source, ev.EventTime, ev.ReceivedAt, payload,
	)
	stored, err := scanStoredEvent(row)
	if err == nil {
		return PersistResult{StoredEvent: stored, Inserted: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PersistResult{}, fmt.Errorf("insert event %s: %w", ev.ID, err)
	}

	// The id exists: a redelivery of an event stored by an earlier attempt.
	existing, err := s.Get(ctx, ev.ID)
	if err != nil {
		return PersistResult{}, err
	}
	return PersistResult{StoredEvent: existing}, nil
}

func (s *PostgresEventStore) Get(ctx context.Context, id string) (StoredEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM vehicle_events WHERE id = $1`, id)
	stored, err := scanStoredEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredEvent{}, errspkg.ErrEventNotFound
	}
	if err != nil {
		return StoredEvent{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return stored, nil
}

func (s *PostgresEventStore) MarkPublished(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vehicle_events
		SET relay_state = 'PUBLISHED', last_error = '', published_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark event %s published: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errspkg.ErrEventNotFound
	}
	return nil
}

func (s *PostgresEventStore) MarkPublishFailed(ctx context.Context, id string, cause error) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE vehicle_events
		SET relay_state = 'PUBLISH_FAILED',
		    publish_attempts = publish_attempts + 1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE id = $1 AND relay_state NOT IN ('PUBLISHED', 'PARKED')
		RETURNING publish_attempts`, id, errorText(cause)).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("mark event %s publish failed: %w", id, err)
	}
	// Already settled by a concurrent publish, or missing altogether.
	existing, getErr := s.Get(ctx, id)
	if getErr != nil {
		return 0, getErr
	}
	return existing.Attempts, nil
}

func (s *PostgresEventStore) MarkParked(ctx context.Context, id string, cause error) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE vehicle_events
		SET relay_state = 'PARKED', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND relay_state <> 'PUBLISHED'`, id, errorText(cause))
	if err != nil {
		return fmt.Errorf("park event %s: %w", id, err)
	}
	return nil
}

func (s *PostgresEventStore) ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM vehicle_events
		WHERE relay_state IN ('STORED', 'PUBLISH_FAILED') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		stored, err := scanStoredEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unpublished event: %w", err)
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

func (s *PostgresEventStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vehicle_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PostgresEventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresEventStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM vehicle_events WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; the pool belongs to the Opener.
func (s *PostgresEventStore) Close() error { return nil }

func scanStoredEvent(row pgx.Row) (StoredEvent, error) {
	var (
		payload     []byte
		state       string
		publishedAt *time.Time
		stored      StoredEvent
	)
	if err := row.Scan(&payload, &state, &stored.Attempts, &stored.LastError, &publishedAt, &stored.UpdatedAt); err != nil {
		return StoredEvent{}, err
	}
	if err := jsoncodec.Unmarshal(payload, &stored.Event); err != nil {
		return StoredEvent{}, fmt.Errorf("decode stored event: %w", err)
	}
	stored.State = events.RelayState(state)
	if publishedAt != nil {
		stored.PublishedAt = *publishedAt
	}
	return stored, nil
}
