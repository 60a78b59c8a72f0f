package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the behaviour every storage.Store backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	newSession := func(topic string) models.Session {
		return models.NewSession(uuid.NewString(), topic, now)
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		sess := newSession("AI fairness")
		require.NoError(t, store.CreateSession(ctx, sess))

		got, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, "AI fairness", got.Topic)
		assert.Equal(t, models.RunningSessionStatus, got.Status)
		assert.Empty(t, got.Tasks)
		assert.NotNil(t, got.Tasks)
		assert.Nil(t, got.CompletedAt)
		assert.Equal(t, now.Unix(), got.CreatedAt.Unix())
	})

	t.Run("GetUnknown", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetSession(ctx, uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveAppendsTasks", func(t *testing.T) {
		store := newStore(t)
		sess := newSession("quantum sensing")
		require.NoError(t, store.CreateSession(ctx, sess))

		require.NoError(t, sess.Apply(models.PartialState{
			Task:         &models.TaskRecord{Name: "askDetails", Result: "Which sensors?"},
			InputTokens:  12,
			OutputTokens: 8,
		}, now.Add(time.Second)))
		require.NoError(t, store.SaveSession(ctx, sess))

		format := models.DirectAnswerFormat
		require.NoError(t, sess.Apply(models.PartialState{
			Task:         &models.TaskRecord{Name: "userChooseFormat", Result: ""},
			OutputFormat: &format,
		}, now.Add(2*time.Second)))
		require.NoError(t, store.SaveSession(ctx, sess))

		got, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, []models.TaskRecord{
			{Name: "askDetails", Result: "Which sensors?"},
			{Name: "userChooseFormat", Result: ""},
		}, got.Tasks)
		assert.Equal(t, int64(12), got.InputTokens)
		assert.Equal(t, int64(8), got.OutputTokens)
		assert.Equal(t, models.DirectAnswerFormat, got.OutputFormat)
	})

	t.Run("SaveRejectsRewrite", func(t *testing.T) {
		store := newStore(t)
		sess := newSession("rewrite")
		sess.Tasks = []models.TaskRecord{{Name: "askDetails", Result: "a"}}
		require.NoError(t, store.CreateSession(ctx, sess))

		changed := sess.Clone()
		changed.Tasks[0].Result = "b"
		assert.Error(t, store.SaveSession(ctx, changed))

		dropped := sess.Clone()
		dropped.Tasks = []models.TaskRecord{}
		assert.Error(t, store.SaveSession(ctx, dropped))

		got, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "a", got.Tasks[0].Result)
	})

	t.Run("SaveUnknown", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.SaveSession(ctx, newSession("ghost")), storage.ErrNotFound)
	})

	t.Run("Completion", func(t *testing.T) {
		store := newStore(t)
		sess := newSession("completion")
		require.NoError(t, store.CreateSession(ctx, sess))
		require.NoError(t, sess.MarkCompleted("# Report", now.Add(time.Minute)))
		require.NoError(t, store.SaveSession(ctx, sess))

		got, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedSessionStatus, got.Status)
		assert.Equal(t, "# Report", got.FinalReport)
		require.NotNil(t, got.CompletedAt)
		assert.Equal(t, now.Add(time.Minute).Unix(), got.CompletedAt.Unix())
	})

	t.Run("DeleteAndList", func(t *testing.T) {
		store := newStore(t)
		older := models.NewSession(uuid.NewString(), "older", now.Add(-time.Hour))
		newer := models.NewSession(uuid.NewString(), "newer", now)
		newer.Tasks = []models.TaskRecord{{Name: "askDetails", Result: "q"}}
		require.NoError(t, store.CreateSession(ctx, older))
		require.NoError(t, store.CreateSession(ctx, newer))

		list, err := store.ListSessions(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(list))
		for _, s := range list {
			ids = append(ids, s.ID)
			if s.ID == newer.ID {
				assert.Equal(t, newer.Tasks, s.Tasks)
			}
		}
		assert.Contains(t, ids, older.ID)
		assert.Contains(t, ids, newer.ID)

		deleted, err := store.DeleteSession(ctx, newer.ID)
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = store.DeleteSession(ctx, newer.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
		_, err = store.GetSession(ctx, newer.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Audit", func(t *testing.T) {
		store := newStore(t)
		sessionID := uuid.NewString()

		first, err := store.AppendAudit(ctx, models.AuditRecord{
			SessionID: sessionID, StepName: "askDetails", Status: models.RunningAuditStatus, StartedAt: now,
		})
		require.NoError(t, err)
		second, err := store.AppendAudit(ctx, models.AuditRecord{
			SessionID: sessionID, StepName: "buildQuery", Status: models.RunningAuditStatus, StartedAt: now,
		})
		require.NoError(t, err)
		assert.Greater(t, second, first)

		done := now.Add(time.Second)
		require.NoError(t, store.UpdateAudit(ctx, models.AuditRecord{
			ID: first, SessionID: sessionID, StepName: "askDetails", Status: models.SuccessAuditStatus,
			OutputSnapshot: "Which sensors?", TokenIn: 12, TokenOut: 8, Model: "deepseek-v3.1",
			DurationMs: 1000, StartedAt: now, CompletedAt: &done,
		}))

		rows, err := store.ListAudit(ctx, sessionID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, models.SuccessAuditStatus, rows[0].Status)
		assert.Equal(t, int64(12), rows[0].TokenIn)
		assert.Equal(t, "deepseek-v3.1", rows[0].Model)
		require.NotNil(t, rows[0].CompletedAt)
		assert.Equal(t, models.RunningAuditStatus, rows[1].Status)
		assert.Nil(t, rows[1].CompletedAt)

		assert.ErrorIs(t, store.UpdateAudit(ctx, models.AuditRecord{ID: second + 1000, SessionID: sessionID}), storage.ErrNotFound)

		require.NoError(t, store.PurgeAudit(ctx, sessionID))
		rows, err = store.ListAudit(ctx, sessionID)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}
