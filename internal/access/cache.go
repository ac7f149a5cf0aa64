package access

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curanote/backend/internal/models"
)

const (
	// AccessTTL bounds staleness of the accessible-profile set.
	AccessTTL = 5 * time.Minute
	// ListingTTL bounds staleness of the recordings listing snapshot.
	// Mutations invalidate explicitly, so this only covers reads by other users.
	ListingTTL = 30 * time.Second

	sweepInterval = time.Minute
)

// ProfileSource recomputes a user's accessible profile set on cache miss.
type ProfileSource interface {
	AccessibleProfiles(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type accessEntry struct {
	profiles map[uuid.UUID]struct{}
	expiry   time.Time
}

type listingEntry struct {
	items  []models.RecordingSummary
	expiry time.Time
}

// Cache holds process-local read caches: the per-user accessible profile set
// and the per-user recordings listing snapshot. Values are plain snapshots;
// the database stays the source of truth and caches may diverge across
// worker processes.
type Cache struct {
	mu       sync.Mutex
	access   map[uuid.UUID]accessEntry
	listings map[uuid.UUID]listingEntry

	src    ProfileSource
	logger *zap.Logger
	now    func() time.Time
}

// NewCache creates an access cache backed by the given profile source.
func NewCache(src ProfileSource, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		access:   make(map[uuid.UUID]accessEntry),
		listings: make(map[uuid.UUID]listingEntry),
		src:      src,
		logger:   logger,
		now:      time.Now,
	}
}

// AccessibleProfiles returns the set of profile IDs the user may act on,
// recomputing from the profile source when the cached entry is missing or
// expired.
func (c *Cache) AccessibleProfiles(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	c.mu.Lock()
	entry, ok := c.access[userID]
	now := c.now()
	c.mu.Unlock()
	if ok && now.Before(entry.expiry) {
		return entry.profiles, nil
	}

	ids, err := c.src.AccessibleProfiles(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	c.mu.Lock()
	c.access[userID] = accessEntry{profiles: set, expiry: c.now().Add(AccessTTL)}
	c.mu.Unlock()
	return set, nil
}

// InvalidateAccess drops the cached access set, e.g. after a grant change.
func (c *Cache) InvalidateAccess(userID uuid.UUID) {
	c.mu.Lock()
	delete(c.access, userID)
	c.mu.Unlock()
}

// Listing returns the cached recordings listing snapshot, if fresh.
func (c *Cache) Listing(userID uuid.UUID) ([]models.RecordingSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.listings[userID]
	if !ok || !c.now().Before(entry.expiry) {
		delete(c.listings, userID)
		return nil, false
	}
	return entry.items, true
}

// StoreListing caches a listing snapshot for the user.
func (c *Cache) StoreListing(userID uuid.UUID, items []models.RecordingSummary) {
	c.mu.Lock()
	c.listings[userID] = listingEntry{items: items, expiry: c.now().Add(ListingTTL)}
	c.mu.Unlock()
}

// InvalidateListing deletes the cached listing immediately. Every mutation
// path must call this synchronously before returning so a client that
// mutates then re-lists never sees the pre-mutation snapshot.
func (c *Cache) InvalidateListing(userID uuid.UUID) {
	c.mu.Lock()
	delete(c.listings, userID)
	c.mu.Unlock()
}

// Sweep evicts expired entries periodically until ctx is done. Expiry is also
// enforced lazily on read; this just bounds memory.
func (c *Cache) Sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, v := range c.access {
		if !now.Before(v.expiry) {
			delete(c.access, k)
		}
	}
	for k, v := range c.listings {
		if !now.Before(v.expiry) {
			delete(c.listings, k)
		}
	}
}
