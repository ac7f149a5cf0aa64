package access

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curanote/backend/internal/models"
)

type fakeSource struct {
	profiles []uuid.UUID
	calls    int
}

func (f *fakeSource) AccessibleProfiles(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.calls++
	return f.profiles, nil
}

func newTestCache(src *fakeSource) (*Cache, *time.Time) {
	c := NewCache(src, nil)
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func TestAccessibleProfiles_CachesUntilTTL(t *testing.T) {
	profileID := uuid.New()
	src := &fakeSource{profiles: []uuid.UUID{profileID}}
	c, now := newTestCache(src)
	userID := uuid.New()

	set, err := c.AccessibleProfiles(context.Background(), userID)
	require.NoError(t, err)
	assert.Contains(t, set, profileID)
	assert.Equal(t, 1, src.calls)

	_, err = c.AccessibleProfiles(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second read within TTL should hit cache")

	*now = now.Add(AccessTTL + time.Second)
	_, err = c.AccessibleProfiles(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "expired entry should recompute")
}

func TestInvalidateAccess_ForcesRecompute(t *testing.T) {
	src := &fakeSource{profiles: []uuid.UUID{uuid.New()}}
	c, _ := newTestCache(src)
	userID := uuid.New()

	_, err := c.AccessibleProfiles(context.Background(), userID)
	require.NoError(t, err)
	c.InvalidateAccess(userID)
	_, err = c.AccessibleProfiles(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestListing_ExpiresAfterTTL(t *testing.T) {
	c, now := newTestCache(&fakeSource{})
	userID := uuid.New()
	items := []models.RecordingSummary{{ID: uuid.New(), Title: "visit"}}

	c.StoreListing(userID, items)
	got, ok := c.Listing(userID)
	require.True(t, ok)
	assert.Equal(t, items, got)

	*now = now.Add(ListingTTL + time.Second)
	_, ok = c.Listing(userID)
	assert.False(t, ok)
}

func TestInvalidateListing_DropsSnapshotImmediately(t *testing.T) {
	c, _ := newTestCache(&fakeSource{})
	userID := uuid.New()
	c.StoreListing(userID, []models.RecordingSummary{{ID: uuid.New()}})

	c.InvalidateListing(userID)

	_, ok := c.Listing(userID)
	assert.False(t, ok, "a list immediately after a mutation must not see the old snapshot")
}

func TestSweep_EvictsExpiredEntries(t *testing.T) {
	c, now := newTestCache(&fakeSource{profiles: []uuid.UUID{uuid.New()}})
	userID := uuid.New()
	_, err := c.AccessibleProfiles(context.Background(), userID)
	require.NoError(t, err)
	c.StoreListing(userID, nil)

	*now = now.Add(AccessTTL + time.Second)
	c.evictExpired()

	assert.Empty(t, c.access)
	assert.Empty(t, c.listings)
}
