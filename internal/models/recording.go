package models

import (
	"time"

	"github.com/google/uuid"
)

// Recording statuses. The happy path advances
// pending_upload → uploaded → queued → processing → transcribing_completed → completed.
// Failure statuses are reachable from any in-flight state and are retryable;
// completed and cancelled are terminal.
const (
	StatusPendingUpload         = "pending_upload"
	StatusUploaded              = "uploaded"
	StatusQueued                = "queued"
	StatusProcessing            = "processing"
	StatusTranscribingCompleted = "transcribing_completed"
	StatusCompleted             = "completed"

	StatusStartFailed         = "start_failed"
	StatusUploadFailed        = "upload_failed"
	StatusDownloadFailed      = "download_failed"
	StatusProcessingFailed    = "processing_failed"
	StatusTranscriptionFailed = "transcription_failed"
	StatusAnalysisFailed      = "analysis_failed"
	StatusSaveFailed          = "save_failed"
	StatusFailed              = "failed"

	StatusCancelled = "cancelled"
)

var failureStatuses = map[string]struct{}{
	StatusStartFailed:         {},
	StatusUploadFailed:        {},
	StatusDownloadFailed:      {},
	StatusProcessingFailed:    {},
	StatusTranscriptionFailed: {},
	StatusAnalysisFailed:      {},
	StatusSaveFailed:          {},
	StatusFailed:              {},
}

var allStatuses = map[string]struct{}{
	StatusPendingUpload:         {},
	StatusUploaded:              {},
	StatusQueued:                {},
	StatusProcessing:            {},
	StatusTranscribingCompleted: {},
	StatusCompleted:             {},
	StatusStartFailed:           {},
	StatusUploadFailed:          {},
	StatusDownloadFailed:        {},
	StatusProcessingFailed:      {},
	StatusTranscriptionFailed:   {},
	StatusAnalysisFailed:        {},
	StatusSaveFailed:            {},
	StatusFailed:                {},
	StatusCancelled:             {},
}

// ValidStatus reports whether s is a known recording status.
func ValidStatus(s string) bool {
	_, ok := allStatuses[s]
	return ok
}

// IsFailureStatus reports whether s is a retryable failure status.
func IsFailureStatus(s string) bool {
	_, ok := failureStatuses[s]
	return ok
}

// IsTerminal reports whether s is a true terminal status: no pipeline action
// can follow, not even a user-triggered retry.
func IsTerminal(s string) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// FailureStatuses returns the retryable failure statuses.
func FailureStatuses() []string {
	out := make([]string, 0, len(failureStatuses))
	for s := range failureStatuses {
		out = append(out, s)
	}
	return out
}

// InFlightStatuses returns the statuses from which a failure edge is reachable.
func InFlightStatuses() []string {
	return []string{
		StatusPendingUpload,
		StatusUploaded,
		StatusQueued,
		StatusProcessing,
		StatusTranscribingCompleted,
	}
}

// Medicine is one prescribed item in a clinical note.
type Medicine struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

// ClinicalNote is the structured result extracted from a transcript.
type ClinicalNote struct {
	Diagnoses    []string   `json:"diagnoses"`
	Medicines    []Medicine `json:"medicines"`
	Instructions []string   `json:"instructions"`
	Summary      string     `json:"summary,omitempty"`
}

// Empty reports whether the note carries no clinical content.
func (n *ClinicalNote) Empty() bool {
	if n == nil {
		return true
	}
	return len(n.Diagnoses) == 0 && len(n.Medicines) == 0 && len(n.Instructions) == 0 && n.Summary == ""
}

// Recording is the aggregate root: one row per recorded conversation.
type Recording struct {
	ID               uuid.UUID     `json:"id"`
	ProfileID        uuid.UUID     `json:"profile_id"`
	Title            string        `json:"title"`
	DurationSeconds  int           `json:"duration_seconds"`
	StoragePath      string        `json:"storage_path,omitempty"`
	Status           string        `json:"status"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	RawTranscript    *string       `json:"raw_transcript,omitempty"`
	StructuredResult *ClinicalNote `json:"structured_result,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// RecordingSummary is the minimal listing shape.
type RecordingSummary struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds int       `json:"duration_seconds"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}
