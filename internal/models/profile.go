package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the owner identity for recordings. Users hold their own profile
// and may be granted delegated access to others (e.g. a family member).
type Profile struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
