package sources

import (
	"context"
	"time"

	"github.com/azure/mentions-responder/internal/models"
)

// Fetcher collects candidate items mentioning any of terms from the given
// forum locations, created at or after since.
type Fetcher interface {
	FetchRecent(ctx context.Context, locations, terms []string, since time.Time) ([]models.RawItem, error)
}

// Publisher posts a reply to an item on its source platform
type Publisher interface {
	Post(ctx context.Context, target models.Identity, text string) error
}

// Source interface defines the contract for a forum platform
type Source interface {
	Fetcher
	Publisher
	GetName() string
	IsEnabled() bool
	Authenticate(ctx context.Context) error
}
