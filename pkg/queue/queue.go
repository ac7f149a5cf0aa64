package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueProcessing is the Redis list key for recording processing jobs.
	QueueProcessing = "worker:recordings"
	// QueueInflight holds the copy of each delivered job until it is acked,
	// so a crashed worker's job survives in Redis.
	QueueInflight = "worker:recordings:inflight"
	// QueueLeases is the sorted set of in-flight lease deadlines (unix ms).
	QueueLeases = "worker:recordings:leases"
	// QueueDelayed is the Redis sorted set holding jobs waiting out a retry backoff.
	QueueDelayed = "worker:recordings:delayed"
	// QueueDLQ is the dead-letter queue for jobs that exhausted their attempts.
	QueueDLQ = "worker:dlq"

	// MaxAttempts is the number of deliveries before a job moves to the DLQ.
	MaxAttempts = 4
	// BackoffBase is the delay before the first redelivery; it doubles per attempt.
	BackoffBase = 15 * time.Second
	// LeaseTTL bounds how long a delivered job may stay unacked before it is
	// treated as orphaned and redelivered.
	LeaseTTL = 10 * time.Minute

	dequeueBlock = 5 * time.Second
	promoteBatch = 100
	leaseGrace   = time.Minute
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeProcessRecording JobType = "process_recording"
)

// ProcessingPayload is the payload for recording processing jobs.
type ProcessingPayload struct {
	RecordingID uuid.UUID `json:"recording_id"`
	ProfileID   uuid.UUID `json:"profile_id"`
	StoragePath string    `json:"storage_path"`
	UserID      uuid.UUID `json:"user_id"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`

	// raw is the envelope exactly as delivered, kept so Ack/Retry can remove
	// this delivery's in-flight copy.
	raw string
}

// Queue is a durable, at-least-once job queue over Redis. Delivery order is
// FIFO for fresh jobs; retried jobs re-enter after their backoff elapses.
// Dequeue moves the envelope into an in-flight list under a lease instead of
// popping it, so a worker that dies mid-job loses only its lease: the reaper
// requeues the copy once the lease expires.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// BackoffDelay returns the redelivery delay before the given attempt
// (1-based): 15s, 30s, 60s, ...
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return BackoffBase << (attempt - 1)
}

// EnqueueProcessing enqueues a recording processing job.
func (q *Queue) EnqueueProcessing(ctx context.Context, payload ProcessingPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeProcessRecording,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueProcessing, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued processing job",
		zap.String("job_id", job.ID),
		zap.String("recording_id", payload.RecordingID.String()))
	return nil
}

// Dequeue blocks until a job is available or the block interval elapses.
// Returns (nil, nil) when no job arrived. Due retries are promoted and
// expired leases reaped before blocking. The delivered envelope stays in the
// in-flight list until Ack or Retry.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn("promote delayed jobs", zap.Error(err))
	}
	if err := q.reapExpired(ctx); err != nil {
		q.logger.Warn("reap expired leases", zap.Error(err))
	}

	raw, err := q.client.BLMove(ctx, QueueProcessing, QueueInflight, "LEFT", "RIGHT", dequeueBlock).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if err := q.client.ZAdd(ctx, QueueLeases, redis.Z{
		Score:  float64(time.Now().Add(LeaseTTL).UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		// The copy is safe in the in-flight list; the reaper grants a grace
		// lease to unleased members.
		q.logger.Warn("lease write failed", zap.Error(err))
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", raw), zap.Error(err))
		q.discard(ctx, raw)
		return nil, nil
	}
	job.raw = raw
	return &job, nil
}

// Ack removes the delivered copy of the job, marking it done. Jobs that are
// neither acked nor retried are redelivered when their lease expires.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if job.raw == "" {
		return nil
	}
	q.discard(ctx, job.raw)
	return nil
}

func (q *Queue) discard(ctx context.Context, raw string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, QueueInflight, 1, raw)
	pipe.ZRem(ctx, QueueLeases, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		// Worst case the stale copy is redelivered after its lease expires.
		q.logger.Warn("discard in-flight copy failed", zap.Error(err))
	}
}

// Retry schedules a redelivery with incremented attempt and exponential
// backoff. Once the attempt limit is reached the job moves to the DLQ and
// dead=true is returned so the caller can record a terminal failure.
func (q *Queue) Retry(ctx context.Context, job *Job) (dead bool, err error) {
	if job.raw != "" {
		q.discard(ctx, job.raw)
	}
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if job.Attempt >= MaxAttempts {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, nil
	}

	readyAt := time.Now().Add(BackoffDelay(job.Attempt))
	if err := q.client.ZAdd(ctx, QueueDelayed, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		return false, err
	}
	q.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Time("ready_at", readyAt))
	return false, nil
}

// promoteDue moves delayed jobs whose backoff elapsed onto the main list.
// ZRem guards against two workers promoting the same member.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, QueueDelayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, QueueDelayed, m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker won the race
		}
		if err := q.client.RPush(ctx, QueueProcessing, m).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reapExpired requeues in-flight jobs whose lease ran out (the worker holding
// them crashed or stalled). Same ZRem guard as promoteDue. In-flight members
// without any lease, possible if a worker died between the move and the lease
// write, get a short grace lease so they are picked up on a later pass.
func (q *Queue) reapExpired(ctx context.Context) error {
	now := time.Now()
	expired, err := q.client.ZRangeByScore(ctx, QueueLeases, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range expired {
		removed, err := q.client.ZRem(ctx, QueueLeases, m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LRem(ctx, QueueInflight, 1, m).Err(); err != nil {
			return err
		}
		if err := q.client.RPush(ctx, QueueProcessing, m).Err(); err != nil {
			return err
		}
		q.logger.Warn("requeued orphaned in-flight job")
	}

	inflight, err := q.client.LRange(ctx, QueueInflight, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, m := range inflight {
		if err := q.client.ZAddNX(ctx, QueueLeases, redis.Z{
			Score:  float64(now.Add(leaseGrace).UnixMilli()),
			Member: m,
		}).Err(); err != nil {
			return err
		}
	}
	return nil
}
