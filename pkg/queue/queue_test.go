package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 15*time.Second, BackoffDelay(1))
	assert.Equal(t, 30*time.Second, BackoffDelay(2))
	assert.Equal(t, 60*time.Second, BackoffDelay(3))
}

func TestBackoffDelay_ClampsBelowOne(t *testing.T) {
	assert.Equal(t, BackoffDelay(1), BackoffDelay(0))
	assert.Equal(t, BackoffDelay(1), BackoffDelay(-3))
}

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client, nil), client
}

func testPayload() ProcessingPayload {
	return ProcessingPayload{
		RecordingID: uuid.New(),
		ProfileID:   uuid.New(),
		StoragePath: "recordings/p/r.m4a",
		UserID:      uuid.New(),
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()
	payload := testPayload()

	require.NoError(t, q.EnqueueProcessing(ctx, payload))
	assert.Equal(t, int64(1), client.LLen(ctx, QueueProcessing).Val())

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeProcessRecording, job.Type)
	assert.Zero(t, job.Attempt)

	var got ProcessingPayload
	require.NoError(t, json.Unmarshal(job.Payload, &got))
	assert.Equal(t, payload.RecordingID, got.RecordingID)
	assert.Equal(t, payload.StoragePath, got.StoragePath)

	assert.Zero(t, client.LLen(ctx, QueueProcessing).Val())
	assert.Equal(t, int64(1), client.LLen(ctx, QueueInflight).Val(), "delivered copy must survive until acked")
	assert.Equal(t, int64(1), client.ZCard(ctx, QueueLeases).Val())

	require.NoError(t, q.Ack(ctx, job))
	assert.Zero(t, client.LLen(ctx, QueueInflight).Val())
	assert.Zero(t, client.ZCard(ctx, QueueLeases).Val())
}

func TestRetry_SchedulesDelayedRedelivery(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueProcessing(ctx, testPayload()))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	dead, err := q.Retry(ctx, job)
	require.NoError(t, err)
	assert.False(t, dead)
	assert.Equal(t, 1, job.Attempt)

	assert.Zero(t, client.LLen(ctx, QueueProcessing).Val())
	assert.Zero(t, client.LLen(ctx, QueueInflight).Val(), "retried job must release its in-flight copy")
	members, err := client.ZRangeWithScores(ctx, QueueDelayed, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Greater(t, members[0].Score, float64(time.Now().UnixMilli()), "redelivery must wait out the backoff")

	var delayed Job
	require.NoError(t, json.Unmarshal([]byte(members[0].Member.(string)), &delayed))
	assert.Equal(t, 1, delayed.Attempt)
}

func TestDequeue_PromotesDueRetries(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueProcessing(ctx, testPayload()))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = q.Retry(ctx, job)
	require.NoError(t, err)

	// Backdate the backoff deadline so the delayed job is due.
	member := client.ZRange(ctx, QueueDelayed, 0, 0).Val()[0]
	require.NoError(t, client.ZAdd(ctx, QueueDelayed, redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: member,
	}).Err())

	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, job.ID, redelivered.ID)
	assert.Equal(t, 1, redelivered.Attempt)
	assert.Zero(t, client.ZCard(ctx, QueueDelayed).Val())
}

func TestRetry_MovesToDLQAfterMaxAttempts(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueProcessing(ctx, testPayload()))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	job.Attempt = MaxAttempts - 1

	dead, err := q.Retry(ctx, job)
	require.NoError(t, err)
	assert.True(t, dead)

	assert.Equal(t, int64(1), client.LLen(ctx, QueueDLQ).Val())
	assert.Zero(t, client.ZCard(ctx, QueueDelayed).Val())
	assert.Zero(t, client.LLen(ctx, QueueInflight).Val())
}

func TestDequeue_RedeliversAfterLeaseExpiry(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()
	payload := testPayload()

	require.NoError(t, q.EnqueueProcessing(ctx, payload))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// A crashed worker never acks; expire its lease by hand.
	raw := client.LRange(ctx, QueueInflight, 0, -1).Val()[0]
	require.NoError(t, client.ZAdd(ctx, QueueLeases, redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixMilli()),
		Member: raw,
	}).Err())

	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered, "an unacked job must come back after its lease runs out")
	assert.Equal(t, job.ID, redelivered.ID)

	var got ProcessingPayload
	require.NoError(t, json.Unmarshal(redelivered.Payload, &got))
	assert.Equal(t, payload.RecordingID, got.RecordingID)

	assert.Equal(t, int64(1), client.LLen(ctx, QueueInflight).Val(), "redelivery holds a fresh in-flight copy")
	require.NoError(t, q.Ack(ctx, redelivered))
	assert.Zero(t, client.LLen(ctx, QueueInflight).Val())
}
