package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	internal_storage "github.com/ignatij/goresearch/internal/storage"
	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *internal_storage.SQLStore {
	store, err := internal_storage.NewSQLiteStore(filepath.Join(t.TempDir(), "goresearch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storage.Store {
		return newSQLiteStore(t)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "goresearch.db")

	store, err := internal_storage.NewSQLiteStore(path)
	require.NoError(t, err)
	sess := models.NewSession("s-1", "AI fairness", time.Now().UTC())
	sess.Tasks = []models.TaskRecord{{Name: "askDetails", Result: "Which domain?"}}
	require.NoError(t, store.CreateSession(ctx, sess))
	require.NoError(t, store.Close())

	reopened, err := internal_storage.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, sess.Tasks, got.Tasks)
}

func TestSQLiteStore_DuplicateSession(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	sess := models.NewSession("dup", "topic", time.Now().UTC())
	require.NoError(t, store.CreateSession(ctx, sess))
	assert.Error(t, store.CreateSession(ctx, sess))
}
