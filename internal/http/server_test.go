package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	internal_http "github.com/ignatij/goresearch/internal/http"
	"github.com/ignatij/goresearch/internal/log"
	"github.com/ignatij/goresearch/internal/metrics"
	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/service"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSteps is a three step workflow: ask -> review (input) -> report (terminal).
func testSteps(failReport *atomic.Bool) []service.Step {
	return []service.Step{
		{
			Name: "ask",
			Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
				return service.StepOutput{Result: "What about " + sess.Topic + "?", InputTokens: 5, OutputTokens: 3}, nil
			},
		},
		{
			Name:          "review",
			RequiresInput: true,
			Prompt: func(sess models.Session) (models.InterruptPrompt, error) {
				q, err := service.RequireTask(sess, "ask")
				return models.InterruptPrompt{Question: q, Prompt: "Edit the details"}, err
			},
			Input: func(sess models.Session, in service.Input) (service.StepOutput, error) {
				return service.StepOutput{Result: in["details"]}, nil
			},
		},
		{
			Name:     "report",
			Terminal: true,
			Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
				if failReport.Load() {
					return service.StepOutput{}, errors.New("llm unavailable")
				}
				details, err := service.RequireTask(sess, "review")
				if err != nil {
					return service.StepOutput{}, err
				}
				return service.StepOutput{Result: "report on " + details, InputTokens: 20, OutputTokens: 40}, nil
			},
		},
	}
}

type testEnv struct {
	srv        *httptest.Server
	failReport *atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	failReport := &atomic.Bool{}
	registry, err := service.NewRegistry(testSteps(failReport)...)
	require.NoError(t, err)
	m := metrics.New(false)
	engine, err := service.NewEngine(registry, storage.NewMemoryStore(), log.GetLogger(), service.WithObserver(m))
	require.NoError(t, err)
	srv := httptest.NewServer(internal_http.NewServer(engine, m).Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, failReport: failReport}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type createResponse struct {
	SessionID string                 `json:"session_id"`
	Result    *service.AdvanceResult `json:"result"`
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		env := newTestEnv(t)
		status, body := env.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "goresearch server is running", string(body))
	})

	t.Run("ListSteps", func(t *testing.T) {
		env := newTestEnv(t)
		status, body := env.do(t, http.MethodGet, "/steps", nil)
		require.Equal(t, http.StatusOK, status)
		steps := decode[[]map[string]interface{}](t, body)
		require.Len(t, steps, 3)
		assert.Equal(t, "review", steps[1]["name"])
		assert.Equal(t, true, steps[1]["requires_input"])
		assert.Equal(t, true, steps[2]["terminal"])
	})

	t.Run("FullFlow", func(t *testing.T) {
		env := newTestEnv(t)
		status, body := env.do(t, http.MethodPost, "/sessions", map[string]interface{}{"topic": "AI fairness", "advance": true})
		require.Equal(t, http.StatusCreated, status, string(body))
		created := decode[createResponse](t, body)
		require.NotEmpty(t, created.SessionID)
		require.NotNil(t, created.Result)
		assert.True(t, created.Result.NeedsInput)
		assert.Equal(t, "review", created.Result.Step)
		assert.Equal(t, "What about AI fairness?", created.Result.Prompt.Question)
		assert.Equal(t, models.TokenTotals{In: 5, Out: 3}, created.Result.Tokens)

		id := created.SessionID
		status, body = env.do(t, http.MethodPost, "/sessions/"+id+"/resume", map[string]string{"details": "hiring"})
		require.Equal(t, http.StatusOK, status, string(body))
		res := decode[service.AdvanceResult](t, body)
		assert.True(t, res.Completed)
		assert.Equal(t, "report on hiring", res.FinalReport)
		assert.Equal(t, models.TokenTotals{In: 25, Out: 43}, res.Tokens)

		status, body = env.do(t, http.MethodGet, "/sessions/"+id, nil)
		require.Equal(t, http.StatusOK, status)
		sess := decode[models.Session](t, body)
		assert.Equal(t, models.CompletedSessionStatus, sess.Status)
		assert.Len(t, sess.Tasks, 3)

		status, body = env.do(t, http.MethodGet, "/sessions/"+id+"/audit", nil)
		require.Equal(t, http.StatusOK, status)
		rows := decode[[]models.AuditRecord](t, body)
		require.Len(t, rows, 3)
		assert.Equal(t, "ask", rows[0].StepName)
		assert.Equal(t, "review", rows[1].StepName)
		assert.Equal(t, "report", rows[2].StepName)

		status, body = env.do(t, http.MethodGet, "/sessions", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decode[[]models.Session](t, body), 1)

		status, body = env.do(t, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body), `goresearch_sessions_total{event="completed"} 1`)
		assert.Contains(t, string(body), `goresearch_step_attempts_total{status="success",step="report"} 1`)
	})

	t.Run("CreateWithoutAdvance", func(t *testing.T) {
		env := newTestEnv(t)
		status, body := env.do(t, http.MethodPost, "/sessions", map[string]string{"topic": "graphene"})
		require.Equal(t, http.StatusCreated, status)
		created := decode[createResponse](t, body)
		assert.Nil(t, created.Result)

		status, body = env.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/advance", nil)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, decode[service.AdvanceResult](t, body).NeedsInput)
	})

	t.Run("EmptyTopic", func(t *testing.T) {
		env := newTestEnv(t)
		status, body := env.do(t, http.MethodPost, "/sessions", map[string]string{"topic": "  "})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, string(body), "topic cannot be empty")
	})

	t.Run("InvalidBody", func(t *testing.T) {
		env := newTestEnv(t)
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/sessions", bytes.NewBufferString("{not json"))
		require.NoError(t, err)
		resp, err := env.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnknownSession", func(t *testing.T) {
		env := newTestEnv(t)
		status, _ := env.do(t, http.MethodPost, "/sessions/missing/advance", nil)
		assert.Equal(t, http.StatusNotFound, status)
		status, _ = env.do(t, http.MethodGet, "/sessions/missing", nil)
		assert.Equal(t, http.StatusNotFound, status)
		status, _ = env.do(t, http.MethodDelete, "/sessions/missing", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("ResumeWhenNotAwaitingInput", func(t *testing.T) {
		env := newTestEnv(t)
		_, body := env.do(t, http.MethodPost, "/sessions", map[string]string{"topic": "graphene"})
		id := decode[createResponse](t, body).SessionID
		// the session has not advanced yet, so the next step is automatic
		status, body := env.do(t, http.MethodPost, "/sessions/"+id+"/resume", map[string]string{"details": "x"})
		assert.Equal(t, http.StatusConflict, status)
		assert.Contains(t, string(body), "no step awaiting input")
	})

	t.Run("StepFailureIsRetryable", func(t *testing.T) {
		env := newTestEnv(t)
		_, body := env.do(t, http.MethodPost, "/sessions", map[string]interface{}{"topic": "graphene", "advance": true})
		id := decode[createResponse](t, body).SessionID

		env.failReport.Store(true)
		status, body := env.do(t, http.MethodPost, "/sessions/"+id+"/resume", map[string]string{"details": "x"})
		assert.Equal(t, http.StatusBadGateway, status)
		assert.Contains(t, string(body), "step report failed: llm unavailable")

		env.failReport.Store(false)
		status, body = env.do(t, http.MethodPost, "/sessions/"+id+"/advance", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "report on x", decode[service.AdvanceResult](t, body).FinalReport)
	})

	t.Run("FailSession", func(t *testing.T) {
		env := newTestEnv(t)
		_, body := env.do(t, http.MethodPost, "/sessions", map[string]string{"topic": "graphene"})
		id := decode[createResponse](t, body).SessionID

		status, body := env.do(t, http.MethodPost, "/sessions/"+id+"/fail", map[string]string{"reason": "user quit"})
		require.Equal(t, http.StatusOK, status)
		sess := decode[models.Session](t, body)
		assert.Equal(t, models.FailedSessionStatus, sess.Status)
		assert.Equal(t, "user quit", sess.ErrorMsg)

		status, _ = env.do(t, http.MethodPost, "/sessions/"+id+"/advance", nil)
		assert.Equal(t, http.StatusConflict, status)
		status, _ = env.do(t, http.MethodPost, "/sessions/"+id+"/fail", nil)
		assert.Equal(t, http.StatusConflict, status)
	})

	t.Run("DeleteAndPurge", func(t *testing.T) {
		env := newTestEnv(t)
		_, body := env.do(t, http.MethodPost, "/sessions", map[string]interface{}{"topic": "graphene", "advance": true})
		id := decode[createResponse](t, body).SessionID

		status, _ := env.do(t, http.MethodDelete, "/sessions/"+id, nil)
		assert.Equal(t, http.StatusNoContent, status)
		status, _ = env.do(t, http.MethodGet, "/sessions/"+id, nil)
		assert.Equal(t, http.StatusNotFound, status)

		// the audit trail outlives the session until purged
		_, body = env.do(t, http.MethodGet, "/sessions/"+id+"/audit", nil)
		assert.Len(t, decode[[]models.AuditRecord](t, body), 1)
		status, _ = env.do(t, http.MethodDelete, "/sessions/"+id+"/audit", nil)
		assert.Equal(t, http.StatusNoContent, status)
		_, body = env.do(t, http.MethodGet, "/sessions/"+id+"/audit", nil)
		assert.Empty(t, decode[[]models.AuditRecord](t, body))
	})
}
