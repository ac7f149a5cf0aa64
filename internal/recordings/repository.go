package recordings

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/curanote/backend/internal/models"
)

// ErrNotFound is returned when a recording row does not exist.
var ErrNotFound = errors.New("recording not found")

const recordingColumns = `id, profile_id, title, duration_seconds, storage_path, status,
	error_message, raw_transcript, structured_result, created_at, updated_at`

// Repository handles recording persistence. All status writes are single-row
// conditional updates keyed by id so concurrent writers can never move a row
// backward.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.ProfileID, &rec.Title, &rec.DurationSeconds, &rec.StoragePath,
		&rec.Status, &rec.ErrorMessage, &rec.RawTranscript, &rec.StructuredResult,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Create inserts a new recording in pending_upload with its storage pointer
// assigned. The id is caller-supplied so the storage key can embed it.
func (r *Repository) Create(ctx context.Context, id, profileID uuid.UUID, title, storagePath string) (*models.Recording, error) {
	const q = `INSERT INTO recordings (id, profile_id, title, storage_path, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + recordingColumns
	return scanRecording(r.pool.QueryRow(ctx, q, id, profileID, title, storagePath, models.StatusPendingUpload))
}

// GetByID returns a recording by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	return scanRecording(r.pool.QueryRow(ctx, q, id))
}

// ListByProfiles returns the listing snapshot for a set of profiles, newest
// first, minimal columns only.
func (r *Repository) ListByProfiles(ctx context.Context, profileIDs []uuid.UUID) ([]models.RecordingSummary, error) {
	const q = `SELECT id, title, duration_seconds, status, created_at
		FROM recordings WHERE profile_id = ANY($1) ORDER BY created_at DESC LIMIT 100`
	rows, err := r.pool.Query(ctx, q, profileIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RecordingSummary
	for rows.Next() {
		var s models.RecordingSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.DurationSeconds, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// TransitionStatus applies a guarded single-row status update: the row moves
// to the target status only if its current status is in from. errMsg replaces
// error_message (nil clears it); duration only ever raises duration_seconds.
// Returns the updated row and whether the update applied.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from []string, to string, errMsg *string, duration int) (*models.Recording, bool, error) {
	const q = `UPDATE recordings
		SET status = $2, error_message = $3, duration_seconds = GREATEST(duration_seconds, $4), updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
		RETURNING ` + recordingColumns
	rec, err := scanRecording(r.pool.QueryRow(ctx, q, id, to, errMsg, duration, from))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil // row exists in another status, or is gone
		}
		return nil, false, err
	}
	return rec, true, nil
}

// SetTranscript writes the raw transcript and advances processing →
// transcribing_completed. No-ops (returns false) if the row left processing,
// e.g. was cancelled or deleted mid-stage.
func (r *Repository) SetTranscript(ctx context.Context, id uuid.UUID, transcript string) (bool, error) {
	const q = `UPDATE recordings
		SET raw_transcript = $2, status = $3, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4`
	tag, err := r.pool.Exec(ctx, q, id, transcript, models.StatusTranscribingCompleted, models.StatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetStructuredResult writes the extracted note and advances
// transcribing_completed → completed. Same no-op contract as SetTranscript.
func (r *Repository) SetStructuredResult(ctx context.Context, id uuid.UUID, note *models.ClinicalNote) (bool, error) {
	const q = `UPDATE recordings
		SET structured_result = $2, status = $3, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4`
	tag, err := r.pool.Exec(ctx, q, id, note, models.StatusCompleted, models.StatusTranscribingCompleted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailure records a pipeline failure status with its message. Terminal
// rows (completed, cancelled) are left untouched.
func (r *Repository) MarkFailure(ctx context.Context, id uuid.UUID, status, msg string) (bool, error) {
	const q = `UPDATE recordings
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)`
	tag, err := r.pool.Exec(ctx, q, id, status, msg, models.StatusCompleted, models.StatusCancelled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Rename updates the title.
func (r *Repository) Rename(ctx context.Context, id uuid.UUID, title string) (*models.Recording, error) {
	const q = `UPDATE recordings SET title = $2, updated_at = NOW() WHERE id = $1
		RETURNING ` + recordingColumns
	return scanRecording(r.pool.QueryRow(ctx, q, id, title))
}

// Delete removes the row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
