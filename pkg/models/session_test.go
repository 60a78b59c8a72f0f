package models_test

import (
	"testing"
	"time"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestNewSession(t *testing.T) {
	sess := models.NewSession("s1", "AI ethics", now)
	assert.Equal(t, models.RunningSessionStatus, sess.Status)
	assert.Empty(t, sess.Tasks)
	assert.NotNil(t, sess.Tasks)
	assert.Equal(t, models.TokenTotals{}, sess.TokenTotals())
	assert.Empty(t, sess.OutputFormat)
	assert.Nil(t, sess.CompletedAt)
}

func TestSession_Apply(t *testing.T) {
	t.Run("AppendsAndSums", func(t *testing.T) {
		sess := models.NewSession("s1", "topic", now)
		require.NoError(t, sess.Apply(models.PartialState{
			Task:         &models.TaskRecord{Name: "askDetails", Result: "q"},
			InputTokens:  10,
			OutputTokens: 4,
		}, now))
		require.NoError(t, sess.Apply(models.PartialState{
			Task:         &models.TaskRecord{Name: "buildQuery", Result: "k"},
			InputTokens:  5,
			OutputTokens: 1,
		}, now.Add(time.Second)))

		assert.Equal(t, []models.TaskRecord{{Name: "askDetails", Result: "q"}, {Name: "buildQuery", Result: "k"}}, sess.Tasks)
		assert.Equal(t, models.TokenTotals{In: 15, Out: 5}, sess.TokenTotals())
		assert.Equal(t, now.Add(time.Second), sess.UpdatedAt)
	})

	t.Run("RejectsDuplicateTask", func(t *testing.T) {
		sess := models.NewSession("s1", "topic", now)
		require.NoError(t, sess.Apply(models.PartialState{Task: &models.TaskRecord{Name: "search", Result: "a"}}, now))
		err := sess.Apply(models.PartialState{Task: &models.TaskRecord{Name: "search", Result: "b"}, InputTokens: 3}, now)
		assert.True(t, errors.Is(err, models.ErrDuplicateTask))
		result, _ := sess.TaskResult("search")
		assert.Equal(t, "a", result)
		assert.Equal(t, int64(0), sess.InputTokens)
	})

	t.Run("RejectsNegativeTokens", func(t *testing.T) {
		sess := models.NewSession("s1", "topic", now)
		err := sess.Apply(models.PartialState{Task: &models.TaskRecord{Name: "search"}, OutputTokens: -1}, now)
		assert.Equal(t, models.ErrNegativeTokens, err)
		assert.False(t, sess.HasTask("search"))
	})

	t.Run("LastWriteWins", func(t *testing.T) {
		sess := models.NewSession("s1", "topic", now)
		direct := models.DirectAnswerFormat
		deep := models.DeepReportFormat
		report := "draft"
		require.NoError(t, sess.Apply(models.PartialState{OutputFormat: &direct, FinalReport: &report}, now))
		require.NoError(t, sess.Apply(models.PartialState{OutputFormat: &deep}, now))
		assert.Equal(t, models.DeepReportFormat, sess.OutputFormat)
		assert.Equal(t, "draft", sess.FinalReport)
	})

	t.Run("EmptyPatch", func(t *testing.T) {
		assert.True(t, models.PartialState{}.IsEmpty())
		sess := models.NewSession("s1", "topic", now)
		require.NoError(t, sess.Apply(models.PartialState{}, now))
		assert.Empty(t, sess.Tasks)
	})
}

func TestSession_Clone(t *testing.T) {
	sess := models.NewSession("s1", "topic", now)
	sess.Tasks = append(sess.Tasks, models.TaskRecord{Name: "askDetails", Result: "q"})
	require.NoError(t, sess.MarkCompleted("report", now))

	clone := sess.Clone()
	clone.Tasks[0].Result = "changed"
	*clone.CompletedAt = now.Add(time.Hour)

	assert.Equal(t, "q", sess.Tasks[0].Result)
	assert.Equal(t, now, *sess.CompletedAt)
}

func TestSession_TerminalTransitions(t *testing.T) {
	sess := models.NewSession("s1", "topic", now)
	require.NoError(t, sess.MarkCompleted("report", now))
	assert.Equal(t, models.CompletedSessionStatus, sess.Status)
	assert.Equal(t, "report", sess.FinalReport)
	assert.True(t, sess.Status.IsTerminal())

	assert.True(t, errors.Is(sess.MarkCompleted("other", now), models.ErrSessionTerminal))
	assert.True(t, errors.Is(sess.MarkFailed("boom", now), models.ErrSessionTerminal))
	assert.Equal(t, "report", sess.FinalReport)
	assert.Equal(t, models.CompletedSessionStatus, sess.Status)

	failed := models.NewSession("s2", "topic", now)
	require.NoError(t, failed.MarkFailed("boom", now))
	assert.Equal(t, models.FailedSessionStatus, failed.Status)
	assert.Equal(t, "boom", failed.ErrorMsg)
	assert.False(t, models.RunningSessionStatus.IsTerminal())
}

func TestParseOutputFormat(t *testing.T) {
	f, err := models.ParseOutputFormat("")
	require.NoError(t, err)
	assert.Equal(t, models.DeepReportFormat, f)

	f, err = models.ParseOutputFormat("structured-output")
	require.NoError(t, err)
	assert.Equal(t, models.StructuredOutputFormat, f)

	_, err = models.ParseOutputFormat("haiku")
	assert.Error(t, err)
	assert.Len(t, models.OutputFormats(), 3)
}
