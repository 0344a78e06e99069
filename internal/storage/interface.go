package storage

import (
	"context"
	"time"

	"github.com/azure/mentions-responder/internal/models"
)

// MentionStore defines the contract for durable mention state
type MentionStore interface {
	// CreateIfAbsent inserts a new mention. It reports false, without error,
	// when the identity already exists.
	CreateIfAbsent(ctx context.Context, m *models.Mention) (bool, error)
	Get(ctx context.Context, id models.Identity) (*models.Mention, error)
	Exists(ctx context.Context, id models.Identity) (bool, error)

	// CompareAndSwap writes the mutable fields of m only if the stored row is
	// still in the expected state and version.
	CompareAndSwap(ctx context.Context, m *models.Mention, change Change) error

	Query(ctx context.Context, filter models.Filter) ([]*models.Mention, error)
	ListResumable(ctx context.Context, now time.Time, limit int) ([]*models.Mention, error)
	CountByState(ctx context.Context) (map[models.State]int, error)
	Events(ctx context.Context, id models.Identity) ([]models.Event, error)
	Close() error
}

// Change describes the precondition and audit detail of a state-conditioned write
type Change struct {
	ExpectedState   models.State
	ExpectedVersion int64
	At              time.Time
	Detail          string
}

// ArchiveInterface defines the contract for write-once snapshot archives
type ArchiveInterface interface {
	Store(ctx context.Context, filename string, data []byte) error
}
