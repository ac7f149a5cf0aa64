package recordings

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curanote/backend/internal/models"
	"github.com/curanote/backend/pkg/queue"
)

type fakeStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*models.Recording
}

func newFakeStore(recs ...*models.Recording) *fakeStore {
	s := &fakeStore{recs: make(map[uuid.UUID]*models.Recording)}
	for _, r := range recs {
		s.recs[r.ID] = r
	}
	return s
}

func (s *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) TransitionStatus(ctx context.Context, id uuid.UUID, from []string, to string, errMsg *string, duration int) (*models.Recording, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, false, nil
	}
	matched := false
	for _, f := range from {
		if rec.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, false, nil
	}
	rec.Status = to
	rec.ErrorMessage = errMsg
	if duration > rec.DurationSeconds {
		rec.DurationSeconds = duration
	}
	cp := *rec
	return &cp, true, nil
}

type fakeAccess struct {
	profiles      map[uuid.UUID]struct{}
	invalidations int
}

func (a *fakeAccess) AccessibleProfiles(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	return a.profiles, nil
}

func (a *fakeAccess) InvalidateListing(userID uuid.UUID) { a.invalidations++ }

type fakeQueue struct {
	payloads []queue.ProcessingPayload
	failWith error
}

func (q *fakeQueue) EnqueueProcessing(ctx context.Context, p queue.ProcessingPayload) error {
	if q.failWith != nil {
		return q.failWith
	}
	q.payloads = append(q.payloads, p)
	return nil
}

func newTestRecording(profileID uuid.UUID, status, storagePath string) *models.Recording {
	return &models.Recording{
		ID:          uuid.New(),
		ProfileID:   profileID,
		Status:      status,
		StoragePath: storagePath,
	}
}

func setup(rec *models.Recording) (*Tracker, *fakeStore, *fakeAccess, *fakeQueue, uuid.UUID) {
	userID := uuid.New()
	store := newFakeStore(rec)
	acc := &fakeAccess{profiles: map[uuid.UUID]struct{}{rec.ProfileID: {}}}
	q := &fakeQueue{}
	return NewTracker(store, acc, q, nil), store, acc, q, userID
}

func TestTransition_UploadCompleted_EnqueuesAndAdvancesToQueued(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusPendingUpload, "recordings/p/r.m4a")
	tracker, _, acc, q, userID := setup(rec)

	got, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusUploaded, "", 42)
	require.NoError(t, err)

	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 42, got.DurationSeconds)
	require.Len(t, q.payloads, 1)
	assert.Equal(t, rec.ID, q.payloads[0].RecordingID)
	assert.Equal(t, "recordings/p/r.m4a", q.payloads[0].StoragePath)
	assert.Equal(t, 1, acc.invalidations)
}

func TestTransition_UploadCompleted_Idempotent(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusPendingUpload, "recordings/p/r.m4a")
	tracker, _, _, q, userID := setup(rec)

	first, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusUploaded, "", 42)
	require.NoError(t, err)
	second, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusUploaded, "", 42)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.DurationSeconds, second.DurationSeconds)
	assert.Len(t, q.payloads, 1, "duplicate upload-completed must not enqueue twice")
}

func TestTransition_UploadCompleted_MissingStoragePath(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusPendingUpload, "")
	tracker, _, _, q, userID := setup(rec)

	got, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusUploaded, "", 0)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.NotEmpty(t, *got.ErrorMessage)
	assert.Empty(t, q.payloads, "no job may be enqueued without a storage path")
}

func TestTransition_UploadCompleted_EnqueueFailureMarksFailed(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusPendingUpload, "recordings/p/r.m4a")
	tracker, _, _, q, userID := setup(rec)
	q.failWith = errors.New("redis down")

	got, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusUploaded, "", 0)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "enqueue")
}

func TestTransition_Unauthorized(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusPendingUpload, "x")
	tracker, _, acc, _, userID := setup(rec)
	acc.profiles = nil

	_, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusUploaded, "", 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTransition_Forbidden(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusPendingUpload, "x")
	tracker, _, acc, _, userID := setup(rec)
	acc.profiles = map[uuid.UUID]struct{}{uuid.New(): {}}

	_, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusUploaded, "", 0)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestTransition_NotFound(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusPendingUpload, "x")
	tracker, _, _, _, userID := setup(rec)

	_, err := tracker.Transition(context.Background(), userID, uuid.New(), models.StatusUploaded, "", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_InvalidStatus(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusPendingUpload, "x")
	tracker, _, _, _, userID := setup(rec)

	_, err := tracker.Transition(context.Background(), userID, rec.ID, "warming_up", "", 0)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRetry_FromFailureClearsErrorAndEnqueues(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusTranscriptionFailed, "recordings/p/r.m4a")
	msg := "speech service returned empty transcript"
	rec.ErrorMessage = &msg
	tracker, _, _, q, userID := setup(rec)

	got, err := tracker.Retry(context.Background(), userID, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Len(t, q.payloads, 1)
}

func TestRetry_DuplicateDoesNotDoubleEnqueue(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusFailed, "recordings/p/r.m4a")
	tracker, _, _, q, userID := setup(rec)

	_, err := tracker.Retry(context.Background(), userID, rec.ID)
	require.NoError(t, err)
	got, err := tracker.Retry(context.Background(), userID, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Len(t, q.payloads, 1)
}

func TestRetry_FromCompletedRejected(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusCompleted, "recordings/p/r.m4a")
	tracker, _, _, _, userID := setup(rec)

	_, err := tracker.Retry(context.Background(), userID, rec.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_CancelOnlyWhileInFlight(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusQueued, "recordings/p/r.m4a")
	tracker, _, _, _, userID := setup(rec)

	got, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusCancelled, "", 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	done := newTestRecording(rec.ProfileID, models.StatusCompleted, "recordings/p/r2.m4a")
	tracker2, _, _, _, user2 := setup(done)
	_, err = tracker2.Transition(context.Background(), user2, done.ID, models.StatusCancelled, "", 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_FailureAlwaysCarriesMessage(t *testing.T) {
	rec := newTestRecording(uuid.New(), models.StatusQueued, "recordings/p/r.m4a")
	tracker, _, _, _, userID := setup(rec)

	got, err := tracker.Transition(context.Background(), userID, rec.ID, models.StatusUploadFailed, "", 0)
	require.NoError(t, err)

	assert.Equal(t, models.StatusUploadFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.NotEmpty(t, *got.ErrorMessage)
}
