package profiles

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curanote/backend/internal/middleware"
	"github.com/curanote/backend/internal/models"
	"github.com/curanote/backend/pkg/response"
)

// UserLookup resolves users by email for delegated-access grants.
type UserLookup interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// AccessInvalidator drops cached access sets when grants change.
type AccessInvalidator interface {
	InvalidateAccess(userID uuid.UUID)
}

// Handler handles profile HTTP endpoints.
type Handler struct {
	repo   *Repository
	users  UserLookup
	access AccessInvalidator
	logger *zap.Logger
}

// NewHandler creates a profiles handler.
func NewHandler(repo *Repository, users UserLookup, access AccessInvalidator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, users: users, access: access, logger: logger}
}

// List handles GET /profiles. Returns every profile the caller may act on.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.repo.ListAccessible(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list profiles failed", zap.Error(err))
		response.Internal(c, "failed to list profiles")
		return
	}
	response.OK(c, list)
}

// CreateRequest is the body for POST /profiles.
type CreateRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

// Create handles POST /profiles.
func (h *Handler) Create(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.repo.Create(c.Request.Context(), userID, req.DisplayName)
	if err != nil {
		h.logger.Error("create profile failed", zap.Error(err))
		response.Internal(c, "failed to create profile")
		return
	}
	h.access.InvalidateAccess(userID)
	response.Created(c, p)
}

// GrantRequest is the body for POST /profiles/:id/grants.
type GrantRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// Grant handles POST /profiles/:id/grants. Only the profile owner may grant access.
func (h *Handler) Grant(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	profileID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid profile id")
		return
	}
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	profile, err := h.repo.GetByID(c.Request.Context(), profileID)
	if err != nil {
		response.Internal(c, "failed to load profile")
		return
	}
	if profile == nil {
		response.NotFound(c, "profile not found")
		return
	}
	if profile.UserID != userID {
		response.Forbidden(c, "only the profile owner can grant access")
		return
	}

	grantee, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		response.NotFound(c, "no user with that email")
		return
	}
	if err := h.repo.Grant(c.Request.Context(), profileID, grantee.ID); err != nil {
		h.logger.Error("grant failed", zap.Error(err), zap.String("profile_id", profileID.String()))
		response.Internal(c, "failed to grant access")
		return
	}
	h.access.InvalidateAccess(grantee.ID)
	response.OK(c, gin.H{"profile_id": profileID, "grantee_id": grantee.ID})
}
