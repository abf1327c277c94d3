package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAICompleter_Validation(t *testing.T) {
	_, err := NewOpenAICompleter(OpenAIConfig{Model: "m"})
	assert.Error(t, err)

	_, err = NewOpenAICompleter(OpenAIConfig{APIKey: "k"})
	assert.Error(t, err)
}

func TestOpenAICompleter_Complete(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"model": "served-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "print(1)"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "req-model"})
	require.NoError(t, err)

	completion, err := c.Complete(context.Background(), NewChatHistory(
		Message{Role: RoleSystem, Content: "sys"},
		Message{Role: RoleUser, Content: "go"},
	))
	require.NoError(t, err)

	assert.Equal(t, "print(1)", completion.Text)
	assert.Equal(t, "served-model", completion.Model)
	assert.Equal(t, 12, completion.InputTokens)
	assert.Equal(t, 3, completion.OutputTokens)

	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "req-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestOpenAICompleter_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), NewChatHistory(Message{Role: RoleUser, Content: "go"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestOpenAICompleter_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "auth"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), NewChatHistory(Message{Role: RoleUser, Content: "go"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion")
}
