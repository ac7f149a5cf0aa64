package recordings

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curanote/backend/internal/access"
	"github.com/curanote/backend/internal/middleware"
	"github.com/curanote/backend/internal/models"
	"github.com/curanote/backend/pkg/response"
	"github.com/curanote/backend/pkg/storage"
)

// ProfileDirectory resolves the caller's own profile for new recordings.
type ProfileDirectory interface {
	GetOwn(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
}

// clientStatuses are the transitions a client may request directly. Pipeline
// statuses (processing, transcribing_completed, completed) are written by the
// worker only.
var clientStatuses = map[string]struct{}{
	models.StatusUploaded:     {},
	models.StatusStartFailed:  {},
	models.StatusUploadFailed: {},
	models.StatusCancelled:    {},
	models.StatusFailed:       {},
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo     *Repository
	tracker  *Tracker
	cache    *access.Cache
	profiles ProfileDirectory
	s3       *storage.S3
	logger   *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo *Repository, tracker *Tracker, cache *access.Cache, profiles ProfileDirectory, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, tracker: tracker, cache: cache, profiles: profiles, s3: s3, logger: logger}
}

func respondTrackerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		response.Unauthorized(c, "no profile for user")
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, "not authorized for this recording")
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
	case errors.Is(err, ErrInvalidStatus):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		response.Conflict(c, err.Error())
	default:
		response.Internal(c, "internal error")
	}
}

// authorizeRecording loads a recording and verifies the caller may act on it.
func (h *Handler) authorizeRecording(c *gin.Context) (*models.Recording, uuid.UUID, bool) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return nil, userID, false
	}
	accessible, err := h.cache.AccessibleProfiles(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("resolve access failed", zap.Error(err))
		response.Internal(c, "failed to resolve access")
		return nil, userID, false
	}
	if len(accessible) == 0 {
		response.Unauthorized(c, "no profile for user")
		return nil, userID, false
	}
	rec, err := h.repo.GetByID(c.Request.Context(), recordingID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "recording not found")
		} else {
			response.Internal(c, "failed to load recording")
		}
		return nil, userID, false
	}
	if _, ok := accessible[rec.ProfileID]; !ok {
		response.Forbidden(c, "not authorized for this recording")
		return nil, userID, false
	}
	return rec, userID, true
}

// List handles GET /recordings. Newest first, minimal fields, served from the
// listing cache when fresh.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	if items, ok := h.cache.Listing(userID); ok {
		response.OK(c, items)
		return
	}

	accessible, err := h.cache.AccessibleProfiles(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("resolve access failed", zap.Error(err))
		response.Internal(c, "failed to resolve access")
		return
	}
	if len(accessible) == 0 {
		response.Unauthorized(c, "no profile for user")
		return
	}
	ids := make([]uuid.UUID, 0, len(accessible))
	for id := range accessible {
		ids = append(ids, id)
	}
	items, err := h.repo.ListByProfiles(c.Request.Context(), ids)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err))
		response.Internal(c, "failed to list recordings")
		return
	}
	h.cache.StoreListing(userID, items)
	response.OK(c, items)
}

// Get handles GET /recordings/:id. Full record including transcript and
// structured result.
func (h *Handler) Get(c *gin.Context) {
	rec, _, ok := h.authorizeRecording(c)
	if !ok {
		return
	}
	response.OK(c, rec)
}

// UploadURLRequest is the body for POST /recordings/upload-url.
type UploadURLRequest struct {
	Title     string `json:"title"`
	ProfileID string `json:"profile_id"` // optional; defaults to the caller's own profile
}

// CreateUploadURL handles POST /recordings/upload-url. Issues a time-limited
// upload handle and creates the pending_upload row with its storage pointer.
func (h *Handler) CreateUploadURL(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	var profileID uuid.UUID
	if req.ProfileID != "" {
		parsed, err := uuid.Parse(req.ProfileID)
		if err != nil {
			response.BadRequest(c, "invalid profile id")
			return
		}
		accessible, err := h.cache.AccessibleProfiles(c.Request.Context(), userID)
		if err != nil {
			response.Internal(c, "failed to resolve access")
			return
		}
		if _, ok := accessible[parsed]; !ok {
			response.Forbidden(c, "not authorized for this profile")
			return
		}
		profileID = parsed
	} else {
		own, err := h.profiles.GetOwn(c.Request.Context(), userID)
		if err != nil {
			response.Internal(c, "failed to resolve profile")
			return
		}
		if own == nil {
			response.Unauthorized(c, "no profile for user")
			return
		}
		profileID = own.ID
	}

	if h.s3 == nil {
		response.Internal(c, "storage not configured")
		return
	}

	recordingID := uuid.New()
	key := storage.RecordingKey(profileID.String(), recordingID.String())
	uploadURL, err := h.s3.GeneratePresignedUploadURL(c.Request.Context(), key, h.s3.PresignExpire())
	if err != nil {
		h.logger.Error("presign upload failed", zap.Error(err))
		response.Internal(c, "failed to generate upload URL")
		return
	}

	rec, err := h.repo.Create(c.Request.Context(), recordingID, profileID, req.Title, key)
	if err != nil {
		h.logger.Error("create recording failed", zap.Error(err))
		response.Internal(c, "failed to create recording")
		return
	}

	h.cache.InvalidateListing(userID)
	response.Created(c, gin.H{
		"upload_url":   uploadURL,
		"storage_path": key,
		"recording_id": rec.ID,
	})
}

// StatusRequest is the body for POST /recordings/:id/status.
type StatusRequest struct {
	Status   string `json:"status" binding:"required"`
	Error    string `json:"error"`
	Duration int    `json:"duration"`
}

// UpdateStatus handles POST /recordings/:id/status. This is the sole ingress
// that can trigger an enqueue (on upload completion).
func (h *Handler) UpdateStatus(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if _, ok := clientStatuses[req.Status]; !ok {
		response.BadRequest(c, "status not settable by client: "+req.Status)
		return
	}

	rec, err := h.tracker.Transition(c.Request.Context(), userID, recordingID, req.Status, req.Error, req.Duration)
	if err != nil {
		respondTrackerError(c, err)
		return
	}
	response.OK(c, rec)
}

// PlaybackURL handles GET /recordings/:id/playback-url.
func (h *Handler) PlaybackURL(c *gin.Context) {
	rec, _, ok := h.authorizeRecording(c)
	if !ok {
		return
	}
	if rec.StoragePath == "" {
		response.BadRequest(c, "recording has no stored audio")
		return
	}
	if h.s3 == nil {
		response.Internal(c, "storage not configured")
		return
	}
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), rec.StoragePath, expire)
	if err != nil {
		h.logger.Error("presign playback failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		response.Internal(c, "failed to generate playback URL")
		return
	}
	response.OK(c, gin.H{"playback_url": url, "expires_in": int(expire.Seconds())})
}

// RenameRequest is the body for PUT /recordings/:id.
type RenameRequest struct {
	Title string `json:"title" binding:"required"`
}

// Rename handles PUT /recordings/:id.
func (h *Handler) Rename(c *gin.Context) {
	rec, userID, ok := h.authorizeRecording(c)
	if !ok {
		return
	}
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	updated, err := h.repo.Rename(c.Request.Context(), rec.ID, req.Title)
	if err != nil {
		h.logger.Error("rename failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		response.Internal(c, "failed to rename recording")
		return
	}
	h.cache.InvalidateListing(userID)
	response.OK(c, updated)
}

// Delete handles DELETE /recordings/:id. Best-effort blob removal, then the row.
func (h *Handler) Delete(c *gin.Context) {
	rec, userID, ok := h.authorizeRecording(c)
	if !ok {
		return
	}
	if h.s3 != nil && rec.StoragePath != "" {
		if err := h.s3.DeleteObject(c.Request.Context(), rec.StoragePath); err != nil {
			h.logger.Warn("blob delete failed", zap.Error(err), zap.String("storage_path", rec.StoragePath))
		}
	}
	if err := h.repo.Delete(c.Request.Context(), rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Error("delete recording failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		response.Internal(c, "failed to delete recording")
		return
	}
	h.cache.InvalidateListing(userID)
	response.NoContent(c)
}

// RetryTranscription handles POST /recordings/:id/retry-transcription.
func (h *Handler) RetryTranscription(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.tracker.Retry(c.Request.Context(), userID, recordingID)
	if err != nil {
		respondTrackerError(c, err)
		return
	}
	response.OK(c, rec)
}
