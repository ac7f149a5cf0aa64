package recordings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curanote/backend/internal/models"
	"github.com/curanote/backend/pkg/queue"
)

var (
	// ErrUnauthorized means the caller has no profile at all.
	ErrUnauthorized = errors.New("no profile for user")
	// ErrForbidden means the recording belongs to a profile outside the caller's accessible set.
	ErrForbidden = errors.New("recording belongs to another profile")
	// ErrInvalidStatus means the target status is not part of the enumeration.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrInvalidTransition means the state machine has no edge from the current status to the target.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the recording persistence surface the tracker needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from []string, to string, errMsg *string, duration int) (*models.Recording, bool, error)
}

// AccessResolver authorizes callers and owns listing-cache invalidation.
type AccessResolver interface {
	AccessibleProfiles(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]struct{}, error)
	InvalidateListing(userID uuid.UUID)
}

// Enqueuer appends processing work to the durable queue.
type Enqueuer interface {
	EnqueueProcessing(ctx context.Context, payload queue.ProcessingPayload) error
}

// Tracker owns the recording state machine. It is the only component allowed
// to enqueue processing work, and every status change it makes is a single-row
// guarded update, so applying the same transition twice produces the same
// final row with no duplicate side effects.
type Tracker struct {
	store  Store
	access AccessResolver
	jobs   Enqueuer
	logger *zap.Logger
}

// NewTracker creates a status tracker.
func NewTracker(store Store, access AccessResolver, jobs Enqueuer, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, access: access, jobs: jobs, logger: logger}
}

// transitionSources lists the statuses a guarded update may move from, per
// target. Failure targets are filled in below: any in-flight state, plus the
// same failure so repeated reports stay idempotent.
var transitionSources = map[string][]string{
	models.StatusProcessing:            {models.StatusQueued},
	models.StatusTranscribingCompleted: {models.StatusProcessing},
	models.StatusCompleted:             {models.StatusTranscribingCompleted},
	models.StatusCancelled:             {models.StatusQueued, models.StatusProcessing, models.StatusCancelled},
}

func init() {
	for _, f := range models.FailureStatuses() {
		transitionSources[f] = append(models.InFlightStatuses(), f)
	}
}

// Transition applies one edge of the state machine on behalf of userID and
// returns the resulting row. Upload completion ("uploaded") additionally
// enqueues a processing job and advances to queued; "queued" on a failed
// recording is the user-triggered retry edge.
func (t *Tracker) Transition(ctx context.Context, userID, recordingID uuid.UUID, target string, errMsg string, duration int) (*models.Recording, error) {
	if !models.ValidStatus(target) || target == models.StatusPendingUpload {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}

	rec, err := t.authorize(ctx, userID, recordingID)
	if err != nil {
		return nil, err
	}

	switch target {
	case models.StatusUploaded:
		rec, err = t.completeUpload(ctx, userID, rec, errMsg, duration)
	case models.StatusQueued:
		rec, err = t.requeue(ctx, userID, rec)
	default:
		rec, err = t.applyEdge(ctx, rec, target, errMsg)
	}
	if err != nil {
		return nil, err
	}

	t.access.InvalidateListing(userID)
	return rec, nil
}

// Retry re-enters the pipeline at queued for a recording in any failure
// status, clearing its error message.
func (t *Tracker) Retry(ctx context.Context, userID, recordingID uuid.UUID) (*models.Recording, error) {
	return t.Transition(ctx, userID, recordingID, models.StatusQueued, "", 0)
}

func (t *Tracker) authorize(ctx context.Context, userID, recordingID uuid.UUID) (*models.Recording, error) {
	accessible, err := t.access.AccessibleProfiles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve access: %w", err)
	}
	if len(accessible) == 0 {
		return nil, ErrUnauthorized
	}
	rec, err := t.store.GetByID(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if _, ok := accessible[rec.ProfileID]; !ok {
		return nil, ErrForbidden
	}
	return rec, nil
}

// completeUpload handles the "upload completed" transition: plain field
// update to uploaded, then enqueue and advance to queued. The uploaded write
// is guarded so a duplicate call after the row moved on is a pure no-op.
func (t *Tracker) completeUpload(ctx context.Context, userID uuid.UUID, rec *models.Recording, errMsg string, duration int) (*models.Recording, error) {
	from := []string{models.StatusPendingUpload, models.StatusUploaded, models.StatusStartFailed, models.StatusUploadFailed}
	updated, applied, err := t.store.TransitionStatus(ctx, rec.ID, from, models.StatusUploaded, optionalMsg(errMsg), duration)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Already queued or further along: idempotent repeat.
		return t.store.GetByID(ctx, rec.ID)
	}

	if updated.StoragePath == "" {
		msg := "upload completed but no storage path is assigned"
		failed, _, err := t.store.TransitionStatus(ctx, rec.ID, []string{models.StatusUploaded}, models.StatusFailed, &msg, 0)
		if err != nil {
			return nil, err
		}
		t.logger.Warn("upload completed without storage path", zap.String("recording_id", rec.ID.String()))
		return failed, nil
	}

	queued, moved, err := t.store.TransitionStatus(ctx, rec.ID, []string{models.StatusUploaded}, models.StatusQueued, nil, 0)
	if err != nil {
		return nil, err
	}
	if !moved {
		// A concurrent duplicate won the queued edge; it also enqueued.
		return t.store.GetByID(ctx, rec.ID)
	}
	return t.enqueue(ctx, userID, queued)
}

// requeue is the user-triggered retry edge: any failure status back to queued
// with the error cleared, then a fresh job.
func (t *Tracker) requeue(ctx context.Context, userID uuid.UUID, rec *models.Recording) (*models.Recording, error) {
	queued, moved, err := t.store.TransitionStatus(ctx, rec.ID, models.FailureStatuses(), models.StatusQueued, nil, 0)
	if err != nil {
		return nil, err
	}
	if !moved {
		cur, err := t.store.GetByID(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == models.StatusQueued {
			return cur, nil // duplicate retry, job already enqueued
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, models.StatusQueued)
	}
	return t.enqueue(ctx, userID, queued)
}

// enqueue hands the queued row to the job queue; an enqueue failure moves the
// row to the generic failure status so it never sits in queued with no job.
func (t *Tracker) enqueue(ctx context.Context, userID uuid.UUID, rec *models.Recording) (*models.Recording, error) {
	err := t.jobs.EnqueueProcessing(ctx, queue.ProcessingPayload{
		RecordingID: rec.ID,
		ProfileID:   rec.ProfileID,
		StoragePath: rec.StoragePath,
		UserID:      userID,
	})
	if err == nil {
		return rec, nil
	}
	t.logger.Error("enqueue processing failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
	msg := "failed to enqueue processing: " + err.Error()
	failed, _, ferr := t.store.TransitionStatus(ctx, rec.ID, []string{models.StatusQueued}, models.StatusFailed, &msg, 0)
	if ferr != nil {
		return nil, ferr
	}
	if failed == nil {
		return t.store.GetByID(ctx, rec.ID)
	}
	return failed, nil
}

// applyEdge performs a direct guarded field update for targets without side
// effects. A repeat of an already-applied transition returns the row as-is.
func (t *Tracker) applyEdge(ctx context.Context, rec *models.Recording, target, errMsg string) (*models.Recording, error) {
	var msg *string
	if models.IsFailureStatus(target) {
		if errMsg == "" {
			errMsg = "unknown error"
		}
		msg = &errMsg
	}
	updated, applied, err := t.store.TransitionStatus(ctx, rec.ID, transitionSources[target], target, msg, 0)
	if err != nil {
		return nil, err
	}
	if applied {
		return updated, nil
	}
	cur, err := t.store.GetByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status == target {
		return cur, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, target)
}

func optionalMsg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
