package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisInsertAndDuplicate(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	s := NewRedisProcessedStore(client, "python", time.Hour)

	rec := &events.ProcessingRecord{
		ConsumerID:    "c-1",
		SourceEventID: "e1",
		PipelineName:  "python",
		ProcessedBy:   "consumer-python",
		ProcessedAt:   epoch,
		Event:         *sampleEvent("e1"),
	}
	require.NoError(t, s.Insert(ctx, rec))
	assert.True(t, mr.Exists("vehiclerelay:processed:python:e1"))
	assert.Equal(t, time.Hour, mr.TTL("vehiclerelay:processed:python:e1"))

	err := s.Insert(ctx, rec)
	assert.True(t, errspkg.IsDuplicate(err))

	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "ABC-1234", stored.Event.LicensePlate)
	assert.Equal(t, "consumer-python", stored.ProcessedBy)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRedisPipelinesAreIndependent(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	java := NewRedisProcessedStore(client, "java", 0)
	python := NewRedisProcessedStore(client, "python", 0)

	rec := &events.ProcessingRecord{SourceEventID: "e1", Event: *sampleEvent("e1")}
	require.NoError(t, java.Insert(ctx, rec))
	require.NoError(t, python.Insert(ctx, rec))
	require.NoError(t, python.Insert(ctx, &events.ProcessingRecord{SourceEventID: "e2", Event: *sampleEvent("e2")}))

	n, err := java.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = python.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestRedisCountDropsExpiredRecords(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	s := NewRedisProcessedStore(client, "java", time.Minute)

	require.NoError(t, s.Insert(ctx, &events.ProcessingRecord{SourceEventID: "e1", Event: *sampleEvent("e1")}))
	mr.FastForward(30 * time.Second)
	require.NoError(t, s.Insert(ctx, &events.ProcessingRecord{SourceEventID: "e2", Event: *sampleEvent("e2")}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	mr.FastForward(45 * time.Second)
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "e1 expired")
}

func TestRedisRecordExpires(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	s := NewRedisProcessedStore(client, "java", time.Minute)

	rec := &events.ProcessingRecord{SourceEventID: "e1", Event: *sampleEvent("e1")}
	require.NoError(t, s.Insert(ctx, rec))
	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "e1")
	assert.ErrorIs(t, err, errspkg.ErrEventNotFound)
	assert.NoError(t, s.Insert(ctx, rec), "expired records may be processed again")
}

func TestRedisPingFailsWhenServerGone(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisProcessedStore(client, "java", 0)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestRedisCountEmpty(t *testing.T) {
	_, client := setupTestRedis(t)
	n, err := NewRedisProcessedStore(client, "java", 0).Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
