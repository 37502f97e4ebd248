// Package llm provides the model service client. The agent's tool
// protocol is textual — directives are embedded in the model's prose —
// so this layer knows nothing about tools; it only moves messages and
// tokens.
package llm

import (
	"context"
	"fmt"
)

// APIError is a non-2xx response from the provider. Keeping the
// status code lets the delivery layer classify the failure (server vs
// rate-limit vs auth) without string matching.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Message is one entry of model-visible conversation history.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Completion is the unified result of a chat call. Content may be
// empty: the orchestrator treats a missing-content completion as a
// recoverable condition, not an error.
type Completion struct {
	Content   string
	Reasoning string

	InputTokens  int
	OutputTokens int
}

// TokenFunc receives one incremental token during streaming.
type TokenFunc func(token string)

// Client is the interface to a model provider.
type Client interface {
	// Chat sends a completion request and waits for the full response.
	Chat(ctx context.Context, system string, history []Message) (*Completion, error)

	// ChatStream sends a streaming request. onToken receives content
	// tokens and onReasoning receives thinking tokens as they arrive;
	// either may be nil. The returned Completion carries the full
	// assembled text regardless of what was streamed.
	ChatStream(ctx context.Context, system string, history []Message, onToken, onReasoning TokenFunc) (*Completion, error)

	// Ping checks whether the provider is reachable.
	Ping(ctx context.Context) error
}
