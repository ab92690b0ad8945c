package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant_core/internal/config"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *OpenAIGateway {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gw, err := NewOpenAIGateway(config.ProviderConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	})
	require.NoError(t, err)
	return gw
}

func completionResponse(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + jsonString(content) + `}}]}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestOpenAIGateway_ChatTurn(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("Sounds good!")))
	})

	history := []Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	reply, err := gw.ChatTurn(context.Background(), history, "can you shorten my bio?")
	require.NoError(t, err)
	assert.Equal(t, "Sounds good!", reply)

	assert.Equal(t, "test-model", captured.Model)
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "user", captured.Messages[0].Role)
	assert.Equal(t, "assistant", captured.Messages[1].Role)
	assert.Equal(t, "can you shorten my bio?", captured.Messages[2].Content)
}

func TestOpenAIGateway_QuickAction(t *testing.T) {
	var roles []string
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		w.Write([]byte(completionResponse("A crisp new bio.")))
	})

	action := Action{Name: "improve-bio", Prompt: "Rewrite this bio."}
	reply, err := gw.QuickAction(context.Background(), action, "surfer, coffee person")
	require.NoError(t, err)
	assert.Equal(t, "A crisp new bio.", reply)

	// The canned prompt rides as the system message.
	assert.Equal(t, []string{"system", "user"}, roles)
}

func TestOpenAIGateway_ErrorMapping(t *testing.T) {
	t.Run("429 maps to rate limited", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := gw.ChatTurn(context.Background(), nil, "hello")
		assert.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("400 maps to invalid prompt", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"content blocked"}}`))
		})
		_, err := gw.ChatTurn(context.Background(), nil, "hello")
		assert.ErrorIs(t, err, ErrInvalidPrompt)
		assert.Contains(t, err.Error(), "content blocked")
	})

	t.Run("5xx maps to provider error", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := gw.ChatTurn(context.Background(), nil, "hello")
		var perr *ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
	})

	t.Run("empty choices is a provider error", func(t *testing.T) {
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		})
		_, err := gw.ChatTurn(context.Background(), nil, "hello")
		var perr *ProviderError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestOpenAIGateway_ContextDeadlinePassesThrough(t *testing.T) {
	release := make(chan struct{})
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.ChatTurn(ctx, nil, "hello")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline error, got %v", err)
}

func TestNewOpenAIGateway_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIGateway(config.ProviderConfig{BaseURL: "http://localhost"})
	assert.Error(t, err)
}
