package profiles

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/curanote/backend/internal/models"
)

// Repository handles profile persistence and delegated-access grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a profiles repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a profile owned by the user.
func (r *Repository) Create(ctx context.Context, userID uuid.UUID, displayName string) (*models.Profile, error) {
	const q = `INSERT INTO profiles (user_id, display_name)
		VALUES ($1, $2)
		RETURNING id, user_id, display_name, created_at, updated_at`
	var p models.Profile
	err := r.pool.QueryRow(ctx, q, userID, displayName).
		Scan(&p.ID, &p.UserID, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns a profile by ID, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	const q = `SELECT id, user_id, display_name, created_at, updated_at FROM profiles WHERE id = $1`
	var p models.Profile
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.UserID, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// GetOwn returns the user's own profile, or nil when none exists.
func (r *Repository) GetOwn(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	const q = `SELECT id, user_id, display_name, created_at, updated_at
		FROM profiles WHERE user_id = $1 ORDER BY created_at LIMIT 1`
	var p models.Profile
	err := r.pool.QueryRow(ctx, q, userID).Scan(&p.ID, &p.UserID, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// AccessibleProfiles returns the IDs of every profile the user may act on:
// their own profiles plus any delegated to them via grants.
func (r *Repository) AccessibleProfiles(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	const q = `SELECT id FROM profiles WHERE user_id = $1
		UNION
		SELECT profile_id FROM profile_grants WHERE grantee_user_id = $1`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAccessible returns full profile rows for everything the user may act on.
func (r *Repository) ListAccessible(ctx context.Context, userID uuid.UUID) ([]models.Profile, error) {
	const q = `SELECT p.id, p.user_id, p.display_name, p.created_at, p.updated_at
		FROM profiles p
		WHERE p.user_id = $1 OR p.id IN (SELECT profile_id FROM profile_grants WHERE grantee_user_id = $1)
		ORDER BY p.created_at`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.UserID, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// Grant gives a user delegated access to a profile. Idempotent.
func (r *Repository) Grant(ctx context.Context, profileID, granteeUserID uuid.UUID) error {
	const q = `INSERT INTO profile_grants (profile_id, grantee_user_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.pool.Exec(ctx, q, profileID, granteeUserID)
	return err
}
