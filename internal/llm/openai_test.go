package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignatij/goresearch/pkg/research"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Complete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":" hello "}}],"usage":{"prompt_tokens":11,"completion_tokens":4}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/v1/", "secret", time.Second)
	c, err := client.Complete(context.Background(), "m", []research.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, research.Completion{Text: "hello", InputTokens: 11, OutputTokens: 4}, c)
	assert.Equal(t, "m", got.Model)
	assert.Equal(t, []research.Message{{Role: "user", Content: "hi"}}, got.Messages)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"HTTPStatus", http.StatusTooManyRequests, `rate limited`, "status 429: rate limited"},
		{"APIError", http.StatusOK, `{"error":{"message":"bad key"}}`, "llm api error: bad key"},
		{"NoChoices", http.StatusOK, `{"choices":[]}`, "no choices in response"},
		{"BadJSON", http.StatusOK, `{`, "failed to unmarshal response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", time.Second).Complete(context.Background(), "m", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
