package provider

import (
	"context"
	"errors"
	"fmt"
)

// Turn is one prior exchange fed to the model as chat context.
type Turn struct {
	Role    string // "user", "assistant" or "system"
	Content string
}

// Action is a resolved quick action: a canned prompt plus its credit cost.
type Action struct {
	Name   string
	Prompt string
	Cost   int64
}

// Gateway abstracts the external text-generation engine. Calls may take
// seconds; callers bound them with ctx. The gateway never retries; retry
// policy belongs to the orchestrator, which knows whether a credit has
// already been committed for the attempt.
type Gateway interface {
	// QuickAction runs a canned prompt against the given page context.
	QuickAction(ctx context.Context, action Action, pageContext string) (string, error)

	// ChatTurn generates a reply to message given prior conversation turns.
	ChatTurn(ctx context.Context, history []Turn, message string) (string, error)
}

// Catalog resolves quick-action names. The catalog contents are owned by
// the product's admin surface; this service only consumes the boundary.
type Catalog interface {
	Resolve(name string) (Action, bool)
}

// StaticCatalog is a fixed in-memory Catalog.
type StaticCatalog struct {
	actions map[string]Action
}

// NewStaticCatalog builds a catalog from a name → action map.
func NewStaticCatalog(actions map[string]Action) *StaticCatalog {
	m := make(map[string]Action, len(actions))
	for name, a := range actions {
		a.Name = name
		m[name] = a
	}
	return &StaticCatalog{actions: m}
}

func (c *StaticCatalog) Resolve(name string) (Action, bool) {
	a, ok := c.actions[name]
	return a, ok
}

// Sentinel errors.
var (
	// ErrRateLimited is returned when the provider is throttling us.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrInvalidPrompt is returned when the provider rejects the prompt
	// itself (malformed or policy-blocked input).
	ErrInvalidPrompt = errors.New("invalid prompt")
)

// ProviderError wraps any other generation failure, including transport
// errors and timeouts.
type ProviderError struct {
	StatusCode int
	Cause      error
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider error: %v", e.Cause)
	}
	return fmt.Sprintf("provider error: status=%d %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}
