package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, chatCompletionsPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Photosynthesis turns light into sugar. "}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", 0.4, srv.Client())
	reply, err := c.Generate(context.Background(), "mistral", "what is photosynthesis?")
	require.NoError(t, err)
	assert.Equal(t, "Photosynthesis turns light into sugar.", reply)

	assert.Equal(t, "mistral", got.Model)
	assert.False(t, got.Stream)
	assert.InDelta(t, 0.4, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, core.TutorSystemPrompt, got.Messages[0].Content)
	assert.Equal(t, message{Role: "user", Content: "what is photosynthesis?"}, got.Messages[1])
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		status int
		body   string
		want   string
	}{
		"status":    {http.StatusNotFound, `model not found`, "status 404"},
		"api error": {http.StatusOK, `{"error":{"message":"overloaded"}}`, "overloaded"},
		"no choice": {http.StatusOK, `{"choices":[]}`, "no choices"},
		"empty":     {http.StatusOK, `{"choices":[{"message":{"content":" "}}]}`, "empty reply"},
		"garbage":   {http.StatusOK, `not json`, "decode response"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, 0, nil).Generate(context.Background(), "m", "hi")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestGenerateHonoursContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-block }))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(srv.URL, 0, nil).Generate(ctx, "m", "hi")
	assert.ErrorIs(t, err, context.Canceled)
}
