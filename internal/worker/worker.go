package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curanote/backend/internal/audio"
	"github.com/curanote/backend/internal/extract"
	"github.com/curanote/backend/internal/models"
	"github.com/curanote/backend/internal/recordings"
	"github.com/curanote/backend/pkg/queue"
	"github.com/curanote/backend/pkg/storage"
)

// Store is the recording persistence surface the worker needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from []string, to string, errMsg *string, duration int) (*models.Recording, bool, error)
	SetTranscript(ctx context.Context, id uuid.UUID, transcript string) (bool, error)
	SetStructuredResult(ctx context.Context, id uuid.UUID, note *models.ClinicalNote) (bool, error)
	MarkFailure(ctx context.Context, id uuid.UUID, status, msg string) (bool, error)
}

// BlobStore downloads stored audio.
type BlobStore interface {
	Download(ctx context.Context, key string, maxBytes int64) ([]byte, error)
}

// Normalizer converts uploaded audio to canonical WAV.
type Normalizer interface {
	Normalize(ctx context.Context, data []byte) ([]byte, error)
}

// Transcriber produces a raw transcript from canonical audio.
type Transcriber interface {
	Transcribe(ctx context.Context, profileID string, wav []byte) (string, error)
}

// Extractor produces a structured note from a transcript, or (nil, nil) when
// the transcript yields nothing usable.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (*models.ClinicalNote, error)
}

// JobQueue is the delivery side of the durable queue. Every delivered job
// must end in exactly one of Ack or Retry; an unacked job is redelivered
// after its lease expires.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job) (dead bool, err error)
}

// Config holds worker pool settings.
type Config struct {
	Count           int
	DownloadTimeout time.Duration
	MaxAudioBytes   int64
}

// stageError tags a transient pipeline error with the failure status to
// record if retries run out.
type stageError struct {
	status string
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageErr(status string, err error) error {
	return &stageError{status: status, err: err}
}

// Pool runs the processing pipeline: download stored audio, normalize it,
// transcribe, extract a structured note, persist. Transient failures go back
// through the queue with backoff; permanent ones mark the recording failed
// and acknowledge the job.
type Pool struct {
	cfg    Config
	queue  JobQueue
	store  Store
	blobs  BlobStore
	norm   Normalizer
	stt    Transcriber
	ext    Extractor
	logger *zap.Logger
}

// NewPool creates a worker pool.
func NewPool(cfg Config, q JobQueue, store Store, blobs BlobStore, norm Normalizer, stt Transcriber, ext Extractor, logger *zap.Logger) *Pool {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, queue: q, store: store, blobs: blobs, norm: norm, stt: stt, ext: ext, logger: logger}
}

// Run starts the configured number of workers and blocks until ctx is
// cancelled and all workers drain.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, n int) {
	logger := p.logger.With(zap.Int("worker", n))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, job)
	}
}

// handle runs one job and decides its fate: ack on success or permanent
// failure, queue retry on transient failure, failure status on a dead job.
func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	if job.Type != queue.JobTypeProcessRecording {
		p.logger.Warn("unknown job type", zap.String("type", string(job.Type)), zap.String("job_id", job.ID))
		p.ack(ctx, job)
		return
	}
	var payload queue.ProcessingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.logger.Warn("invalid job payload", zap.Error(err), zap.String("job_id", job.ID))
		p.ack(ctx, job)
		return
	}

	err := p.process(ctx, payload)
	if err == nil {
		p.ack(ctx, job)
		return
	}
	if ctx.Err() != nil {
		// Shutting down mid-stage: leave the job leased, it is redelivered
		// once the lease expires.
		return
	}

	status := models.StatusProcessingFailed
	var se *stageError
	if errors.As(err, &se) {
		status = se.status
	}
	p.logger.Error("processing attempt failed",
		zap.Error(err),
		zap.String("recording_id", payload.RecordingID.String()),
		zap.String("failure_status", status),
		zap.Int("attempt", job.Attempt))

	dead, rerr := p.queue.Retry(ctx, job)
	if rerr != nil {
		p.logger.Error("retry scheduling failed", zap.Error(rerr), zap.String("job_id", job.ID))
		dead = true // cannot redeliver, the row must not stay in-flight forever
	}
	if dead {
		p.markFailure(ctx, payload.RecordingID, status, err.Error())
	}
}

func (p *Pool) ack(ctx context.Context, job *queue.Job) {
	if err := p.queue.Ack(ctx, job); err != nil {
		p.logger.Warn("ack failed", zap.Error(err), zap.String("job_id", job.ID))
	}
}

// process runs the pipeline for one recording. A nil return means the job is
// done (succeeded, permanently failed, or a no-op against a cancelled or
// deleted row); an error return means transient and retryable.
func (p *Pool) process(ctx context.Context, payload queue.ProcessingPayload) error {
	id := payload.RecordingID
	rec, applied, err := p.store.TransitionStatus(ctx, id,
		[]string{models.StatusQueued, models.StatusProcessing}, models.StatusProcessing, nil, 0)
	if err != nil {
		return stageErr(models.StatusProcessingFailed, fmt.Errorf("claim recording: %w", err))
	}
	if !applied {
		return p.resume(ctx, id)
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	raw, err := p.blobs.Download(dctx, rec.StoragePath, p.cfg.MaxAudioBytes)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrObjectTooLarge) {
			p.markFailure(ctx, id, models.StatusDownloadFailed, err.Error())
			return nil
		}
		return stageErr(models.StatusDownloadFailed, fmt.Errorf("download audio: %w", err))
	}

	wav, err := p.norm.Normalize(ctx, raw)
	if err != nil {
		if errors.Is(err, audio.ErrUnsupportedAudio) || errors.Is(err, audio.ErrToolUnavailable) {
			p.markFailure(ctx, id, models.StatusProcessingFailed, err.Error())
			return nil
		}
		return stageErr(models.StatusProcessingFailed, fmt.Errorf("normalize audio: %w", err))
	}

	transcript, err := p.stt.Transcribe(ctx, payload.ProfileID.String(), wav)
	if err != nil {
		return stageErr(models.StatusTranscriptionFailed, fmt.Errorf("transcribe: %w", err))
	}
	if transcript == "" {
		p.markFailure(ctx, id, models.StatusTranscriptionFailed, "speech service returned empty transcript")
		return nil
	}

	ok, err := p.store.SetTranscript(ctx, id, transcript)
	if err != nil {
		return stageErr(models.StatusSaveFailed, fmt.Errorf("save transcript: %w", err))
	}
	if !ok {
		// Cancelled or deleted while transcribing: drop the result.
		p.logger.Info("transcript discarded, recording left processing state", zap.String("recording_id", id.String()))
		return nil
	}

	return p.extractAndSave(ctx, id, transcript)
}

// resume handles a redelivered job whose row is no longer claimable as
// processing. A row parked in transcribing_completed picks up at extraction;
// anything else is a no-op ack.
func (p *Pool) resume(ctx context.Context, id uuid.UUID) error {
	cur, err := p.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, recordings.ErrNotFound) {
			p.logger.Info("recording deleted before processing", zap.String("recording_id", id.String()))
			return nil
		}
		return stageErr(models.StatusProcessingFailed, fmt.Errorf("load recording: %w", err))
	}
	switch {
	case cur.Status == models.StatusTranscribingCompleted && cur.RawTranscript != nil:
		return p.extractAndSave(ctx, id, *cur.RawTranscript)
	case models.IsTerminal(cur.Status):
		p.logger.Info("recording finished elsewhere, dropping job", zap.String("recording_id", id.String()))
		return nil
	default:
		p.logger.Info("job is stale for current status, skipping",
			zap.String("recording_id", id.String()),
			zap.String("status", cur.Status))
		return nil
	}
}

func (p *Pool) extractAndSave(ctx context.Context, id uuid.UUID, transcript string) error {
	note, err := p.ext.Extract(ctx, transcript)
	if err != nil {
		if errors.Is(err, extract.ErrGatewayRejected) {
			// The gateway refused the request itself; redelivering the same
			// transcript cannot change the answer.
			p.markFailure(ctx, id, models.StatusAnalysisFailed, err.Error())
			return nil
		}
		return stageErr(models.StatusAnalysisFailed, fmt.Errorf("extract note: %w", err))
	}
	if note == nil {
		p.markFailure(ctx, id, models.StatusAnalysisFailed, "no clinical content could be extracted from the transcript")
		return nil
	}

	ok, err := p.store.SetStructuredResult(ctx, id, note)
	if err != nil {
		return stageErr(models.StatusSaveFailed, fmt.Errorf("save structured result: %w", err))
	}
	if !ok {
		p.logger.Info("structured result discarded", zap.String("recording_id", id.String()))
		return nil
	}
	p.logger.Info("recording completed", zap.String("recording_id", id.String()))
	return nil
}

// markFailure records a terminal-for-now failure status. Terminal rows
// (completed, cancelled) are guarded at the store level and simply skip.
func (p *Pool) markFailure(ctx context.Context, id uuid.UUID, status, msg string) {
	ok, err := p.store.MarkFailure(ctx, id, status, msg)
	if err != nil {
		p.logger.Error("mark failure failed", zap.Error(err),
			zap.String("recording_id", id.String()), zap.String("status", status))
		return
	}
	if !ok {
		p.logger.Info("failure not recorded, row is terminal or gone",
			zap.String("recording_id", id.String()), zap.String("status", status))
	}
}
