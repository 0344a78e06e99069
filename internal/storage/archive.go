package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
)

// Snapshot is the archived form of a mention in a terminal state
type Snapshot struct {
	Mention *models.Mention `json:"mention"`
	Events  []models.Event  `json:"events"`
}

// NewArchive picks the archive backend from configuration. It returns nil
// when archiving is disabled.
func NewArchive(ctx context.Context, cfg *config.Config) (ArchiveInterface, error) {
	switch {
	case cfg.StorageAccount != "":
		azure, err := NewAzureStorage(ctx, cfg.StorageAccount, cfg.StorageContainer)
		if err != nil {
			return nil, err
		}
		return azure, nil
	case cfg.ArchiveDir != "":
		local, err := NewLocalStorage(cfg.ArchiveDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		logrus.Info("No archive configured, terminal mentions stay in the store only")
		return nil, nil
	}
}

// ArchivePath is where a mention's snapshot lives, partitioned by detection date
func ArchivePath(m *models.Mention) string {
	d := m.DetectedAt.UTC()
	return path.Join("mentions", m.Platform, d.Format("2006"), d.Format("01"), d.Format("02"), m.ItemID+".json")
}

// ArchiveMention writes a JSON snapshot of m and its events
func ArchiveMention(ctx context.Context, archive ArchiveInterface, m *models.Mention, events []models.Event) error {
	data, err := json.MarshalIndent(Snapshot{Mention: m, Events: events}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for %s: %w", m.Identity, err)
	}
	if err := archive.Store(ctx, ArchivePath(m), data); err != nil {
		return fmt.Errorf("failed to archive %s: %w", m.Identity, err)
	}
	return nil
}
