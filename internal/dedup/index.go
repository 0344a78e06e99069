package dedup

import (
	"context"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/storage"
)

// IndexInterface answers whether an item has been observed before
type IndexInterface interface {
	Seen(ctx context.Context, id models.Identity) (bool, error)
	MarkSeen(ctx context.Context, m *models.Mention) (bool, error)
}

// Index is a cache in front of the store's identity constraint. The cache is
// only ever a positive hint; the store decides.
type Index struct {
	store storage.MentionStore
	seen  *cache.Cache
	ttl   time.Duration
}

// Ensure Index implements IndexInterface
var _ IndexInterface = (*Index)(nil)

// NewIndex creates an index whose cached entries expire after ttl
func NewIndex(store storage.MentionStore, ttl time.Duration) *Index {
	return &Index{
		store: store,
		seen:  cache.New(ttl, ttl/2),
		ttl:   ttl,
	}
}

// Seen reports whether id already has a mention row
func (x *Index) Seen(ctx context.Context, id models.Identity) (bool, error) {
	if _, ok := x.seen.Get(id.String()); ok {
		return true, nil
	}

	exists, err := x.store.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("dedup lookup for %s: %w", id, err)
	}
	if exists {
		x.seen.SetDefault(id.String(), struct{}{})
	}
	return exists, nil
}

// MarkSeen creates the mention row. It reports false when another cycle or
// worker created it first, in which case the caller drops its copy.
func (x *Index) MarkSeen(ctx context.Context, m *models.Mention) (bool, error) {
	created, err := x.store.CreateIfAbsent(ctx, m)
	if err != nil {
		return false, fmt.Errorf("dedup create for %s: %w", m.Identity, err)
	}
	x.seen.SetDefault(m.Identity.String(), struct{}{})
	return created, nil
}

// Rebuild warms the cache from mentions detected within the cache ttl
func (x *Index) Rebuild(ctx context.Context, now time.Time) error {
	since := now.Add(-x.ttl)
	mentions, err := x.store.Query(ctx, models.Filter{Since: &since})
	if err != nil {
		return fmt.Errorf("dedup rebuild: %w", err)
	}

	x.seen.Flush()
	for _, m := range mentions {
		x.seen.SetDefault(m.Identity.String(), struct{}{})
	}

	logrus.WithField("entries", len(mentions)).Debug("Dedup index rebuilt")
	return nil
}

// Len is the number of cached identities
func (x *Index) Len() int {
	return x.seen.ItemCount()
}
