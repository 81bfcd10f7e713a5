package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnvClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("LLM_BASE_URL", baseURL)
	t.Setenv("LLM_MODEL_ID", "gpt-4o-mini")
	client, err := NewClientFromEnv()
	require.NoError(t, err)
	return client
}

func TestNewClientFromEnv(t *testing.T) {
	t.Run("requires api key", func(t *testing.T) {
		t.Setenv("LLM_API_KEY", "")
		_, err := NewClientFromEnv()
		assert.Error(t, err)
	})

	t.Run("rejects bad base url", func(t *testing.T) {
		t.Setenv("LLM_API_KEY", "key")
		t.Setenv("LLM_BASE_URL", "ftp://example.com")
		_, err := NewClientFromEnv()
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		t.Setenv("LLM_API_KEY", "key")
		t.Setenv("LLM_BASE_URL", "")
		t.Setenv("LLM_MODEL_ID", "")
		client, err := NewClientFromEnv()
		require.NoError(t, err)
		assert.Equal(t, defaultModelID, client.DefaultModel())
	})
}

func TestClientChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "  pong  "}}},
			"usage":   map[string]any{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		}))
	}))
	defer server.Close()

	client := newEnvClient(t, server.URL)

	result, err := client.Chat(context.Background(), "", []Message{{Role: "user", Content: "ping"}})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Content)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 4, result.Usage.TotalTokens)
}

func TestClientChatValidation(t *testing.T) {
	client := newEnvClient(t, "http://localhost:1")

	_, err := client.Chat(context.Background(), "", nil)
	assert.Error(t, err)

	_, err = client.Chat(context.Background(), "", []Message{{Role: "user", Content: "   "}})
	assert.Error(t, err)
}

func TestClientChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "gpt-4o", req.Model)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newEnvClient(t, server.URL)

	var deltas []string
	var sawDone bool
	result, err := client.ChatStream(context.Background(), "gpt-4o", []Message{{Role: "user", Content: "hi"}},
		func(delta StreamDelta) error {
			if delta.Done {
				sawDone = true
				return nil
			}
			deltas = append(deltas, delta.Content)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "Hello", result.Content)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.True(t, sawDone)
}

func TestClientChatStreamJSONFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "full answer"}}},
		}))
	}))
	defer server.Close()

	client := newEnvClient(t, server.URL)

	var full string
	result, err := client.ChatStream(context.Background(), "", []Message{{Role: "user", Content: "hi"}},
		func(delta StreamDelta) error {
			if !delta.Done {
				full += delta.Content
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "full answer", result.Content)
	assert.Equal(t, "full answer", full)
}

func TestClientCompleteText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": `{"name":"Tutor"}`}}},
		}))
	}))
	defer server.Close()

	client := newEnvClient(t, server.URL)

	text, err := client.CompleteText(context.Background(), "synthesize a persona")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Tutor"}`, text)

	_, err = client.CompleteText(context.Background(), "   ")
	assert.Error(t, err)
}
