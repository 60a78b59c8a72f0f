package storage_test

import (
	"context"
	"testing"
	"time"

	internal_storage "github.com/ignatij/goresearch/internal/storage"
	"github.com/ignatij/goresearch/internal/testutil"
	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storage.Store {
		_, client := testutil.SetupRedis(t)
		return internal_storage.NewRedisStoreFromClient(client, "test", 0)
	})
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	srv, client := testutil.SetupRedis(t)
	store := internal_storage.NewRedisStoreFromClient(client, "ttl", time.Hour)

	sess := models.NewSession("s-ttl", "expiring", time.Now().UTC())
	require.NoError(t, store.CreateSession(ctx, sess))
	_, err := store.AppendAudit(ctx, models.AuditRecord{SessionID: sess.ID, StepName: "askDetails", Status: models.RunningAuditStatus})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, srv.TTL("ttl:session:s-ttl"))
	assert.Equal(t, time.Hour, srv.TTL("ttl:audit:s-ttl"))

	srv.FastForward(2 * time.Hour)

	_, err = store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	list, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	// the stale index entry is pruned by the listing
	members, err := srv.ZMembers("ttl:sessions")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestRedisStore_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	_, client := testutil.SetupRedis(t)
	a := internal_storage.NewRedisStoreFromClient(client, "a", 0)
	b := internal_storage.NewRedisStoreFromClient(client, "b", 0)

	require.NoError(t, a.CreateSession(ctx, models.NewSession("shared", "topic", time.Now().UTC())))
	_, err := b.GetSession(ctx, "shared")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	list, err := b.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := internal_storage.NewRedisStore(ctx, "127.0.0.1:1", "x", 0)
	assert.Error(t, err)
}
