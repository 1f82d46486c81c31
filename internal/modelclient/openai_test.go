package modelclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/llmport"
)

func TestOpenAIProviderChat_ParsesTextAndToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "test-model", payload["model"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "resp-1",
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": "hello",
						"tool_calls": []any{
							map[string]any{
								"id":   "call-1",
								"type": "function",
								"function": map[string]any{
									"name":      "search",
									"arguments": `{"query":"weather"}`,
								},
							},
						},
					},
				},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("test", server.URL, func() string { return "test-key" })
	resp, err := p.Chat(context.Background(), llmport.ChatRequest{
		Model:    "test-model",
		Messages: []llmport.Message{{Role: llmport.RoleUser, Content: "hi"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "resp-1", resp.TraceID)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, "weather", resp.ToolCalls[0].Arguments["query"])
}

func TestOpenAIProviderChat_RetryableOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("test", server.URL, func() string { return "" })
	_, err := p.Chat(context.Background(), llmport.ChatRequest{Model: "m", Messages: nil}, nil)
	require.Error(t, err)
}

func TestOpenAIProviderChat_RepairsMalformedToolArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{query: weather,}"}}]}}]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("test", server.URL, func() string { return "" })
	resp, err := p.Chat(context.Background(), llmport.ChatRequest{Model: "m"}, nil)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "weather", resp.ToolCalls[0].Arguments["query"])
}
