package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"assistant_core/internal/config"
)

// OpenAIGateway implements Gateway against an OpenAI-compatible
// chat-completions endpoint.
type OpenAIGateway struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

var _ Gateway = (*OpenAIGateway)(nil)

// NewOpenAIGateway creates a gateway for an OpenAI-compatible endpoint.
func NewOpenAIGateway(cfg config.ProviderConfig) (*OpenAIGateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider API key is required")
	}

	// No client-level timeout: the per-call ctx carries the deadline.
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &OpenAIGateway{
		client:  client,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QuickAction runs a canned prompt against the given page context.
func (g *OpenAIGateway) QuickAction(ctx context.Context, action Action, pageContext string) (string, error) {
	messages := []chatMessage{
		{Role: "system", Content: action.Prompt},
		{Role: "user", Content: pageContext},
	}
	return g.complete(ctx, messages)
}

// ChatTurn generates a reply to message given prior conversation turns.
func (g *OpenAIGateway) ChatTurn(ctx context.Context, history []Turn, message string) (string, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: message})
	return g.complete(ctx, messages)
}

// complete performs one chat-completions call and returns the first choice.
func (g *OpenAIGateway) complete(ctx context.Context, messages []chatMessage) (string, error) {
	payload := map[string]any{
		"model":    g.model,
		"messages": messages,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := g.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		// Context errors pass through so callers can tell cancellation
		// from provider trouble; everything else is a provider failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &ProviderError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("%w: %s", ErrInvalidPrompt, errorMessage(respBody))
	default:
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &ProviderError{Cause: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: "empty response"}
	}

	return parsed.Choices[0].Message.Content, nil
}

// errorMessage extracts the provider's error message, if any.
func errorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error.Message == "" {
		return "unknown error"
	}
	return parsed.Error.Message
}
