package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpenAI serves the two endpoints the adapter calls
func fakeOpenAI(t *testing.T, failFirst int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= failFirst {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]interface{}{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": `{"entities":[]}`}},
			},
		})
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		data := make([]map[string]interface{}, 0, len(req.Input))
		// reverse order to exercise index mapping
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 1, 2},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestLLMAdapter_Complete(t *testing.T) {
	srv, _ := fakeOpenAI(t, 0)
	a := NewLLMAdapter(srv.URL, "", "test-model", "test-embed")

	out, err := a.Complete(context.Background(), "system", "user", true)
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, out)
}

func TestLLMAdapter_CompleteRetries(t *testing.T) {
	srv, calls := fakeOpenAI(t, 1)
	a := NewLLMAdapter(srv.URL, "", "test-model", "test-embed")
	a.backoff = time.Millisecond

	_, err := a.Complete(context.Background(), "system", "user", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestLLMAdapter_CompleteGivesUp(t *testing.T) {
	srv, calls := fakeOpenAI(t, 10)
	a := NewLLMAdapter(srv.URL, "", "test-model", "test-embed")
	a.backoff = time.Millisecond

	_, err := a.Complete(context.Background(), "system", "user", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestLLMAdapter_Embed(t *testing.T) {
	srv, _ := fakeOpenAI(t, 0)
	a := NewLLMAdapter(srv.URL+"/v1/", "", "test-model", "test-embed")

	vecs, err := a.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 1, 2}, vecs[0])
	assert.Equal(t, []float32{1, 1, 2}, vecs[1])
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:4000/v1", normalizeBaseURL("http://localhost:4000"))
	assert.Equal(t, "http://localhost:4000/v1", normalizeBaseURL("http://localhost:4000/"))
	assert.Equal(t, "http://localhost:4000/v1", normalizeBaseURL("http://localhost:4000/v1"))
}

// TestLLMAdapter_Live requires a running LiteLLM instance
func TestLLMAdapter_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	baseURL := os.Getenv("SY_LLM_BASE_URL")
	if baseURL == "" {
		t.Skip("SY_LLM_BASE_URL not set")
	}

	a := NewLLMAdapter(baseURL, os.Getenv("SY_LLM_API_KEY"), "gpt-4o-mini", "text-embedding-3-small")
	out, err := a.Complete(context.Background(), "You are a helpful assistant.", "Say hello in one sentence.", false)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
