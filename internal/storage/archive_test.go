package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
)

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	local, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.NoError(t, local.Store(ctx, "mentions/reddit/a.json", []byte(`{"a":1}`)))

	data, err := os.ReadFile(filepath.Join(dir, "mentions", "reddit", "a.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	assert.Error(t, local.Store(ctx, "../escape.json", []byte(`{}`)))
	assert.Error(t, local.Store(ctx, "/abs.json", []byte(`{}`)))
}

func TestArchiveMention(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	local, err := NewLocalStorage(dir)
	require.NoError(t, err)

	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	m := sampleMention("abc123", now)
	m.State = models.StateRoutedBenign
	events := []models.Event{{ID: "e1", Identity: m.Identity, From: models.StateClassified, To: models.StateRoutedBenign, At: now}}

	require.NoError(t, ArchiveMention(ctx, local, m, events))
	assert.Equal(t, "mentions/reddit/2026/10/17/abc123.json", ArchivePath(m))

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(ArchivePath(m))))
	require.NoError(t, err)

	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, models.StateRoutedBenign, snapshot.Mention.State)
	assert.Len(t, snapshot.Events, 1)
}

func TestNewArchiveDisabled(t *testing.T) {
	archive, err := NewArchive(context.Background(), &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, archive)

	archive, err = NewArchive(context.Background(), &config.Config{ArchiveDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, archive)
}
