package sources

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/models"
)

// DryRunPublisher records replies instead of posting them
type DryRunPublisher struct {
	mu    sync.Mutex
	posts map[models.Identity]string
}

// Ensure DryRunPublisher implements Publisher
var _ Publisher = (*DryRunPublisher)(nil)

func NewDryRunPublisher() *DryRunPublisher {
	return &DryRunPublisher{posts: make(map[models.Identity]string)}
}

func (d *DryRunPublisher) Post(_ context.Context, target models.Identity, text string) error {
	d.mu.Lock()
	d.posts[target] = text
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"platform": target.Platform,
		"item_id":  target.ItemID,
	}).Infof("Dry run, would post reply: %s", text)
	return nil
}

// Posts returns a copy of the replies recorded so far
func (d *DryRunPublisher) Posts() map[models.Identity]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[models.Identity]string, len(d.posts))
	for k, v := range d.posts {
		out[k] = v
	}
	return out
}
