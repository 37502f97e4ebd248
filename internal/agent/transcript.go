package agent

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dleffel/trainer-agent/internal/directive"
	"github.com/dleffel/trainer-agent/internal/llm"
	"github.com/dleffel/trainer-agent/internal/store"
)

// Transcript is the single writer for one conversation's persisted
// messages during an orchestration. All appends go through it on the
// orchestrator's goroutine; streaming callbacks never write here.
type Transcript struct {
	store  *store.Store
	convID string
	logger *slog.Logger
}

// NewTranscript wraps the store for one conversation.
func NewTranscript(s *store.Store, conversationID string, logger *slog.Logger) *Transcript {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcript{store: s, convID: conversationID, logger: logger}
}

// History returns the model-visible conversation history in append
// order. System entries carry tool results for a past turn and are
// never replayed; failed and offline messages are withheld until they
// actually deliver.
func (t *Transcript) History() ([]llm.Message, error) {
	msgs, err := t.store.Messages(t.convID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	history := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			continue
		}
		if m.DeliveryState == store.StateFailed || m.DeliveryState == store.StateOffline {
			continue
		}
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

// AppendAssistant persists a completed assistant message.
func (t *Transcript) AppendAssistant(content string) error {
	return t.store.AppendMessage(store.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: t.convID,
		Role:           "assistant",
		Content:        content,
		DeliveryState:  store.StateSent,
	})
}

// AppendResults persists the formatted tool results as a system
// message and returns the formatted text for in-turn context.
func (t *Transcript) AppendResults(results []directive.Result) (string, error) {
	content := formatResults(results)
	err := t.store.AppendMessage(store.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: t.convID,
		Role:           "system",
		Content:        content,
		DeliveryState:  store.StateSent,
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// formatResults renders tool outcomes for the model's next turn.
// Failures are included so the model can react to them instead of
// silently losing a tool.
func formatResults(results []directive.Result) string {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Output)
		} else {
			fmt.Fprintf(&b, "- %s failed: %s\n", r.Name, r.Error)
		}
	}
	b.WriteString("Respond to the user based on these results. Do not mention the tool mechanics.")
	return b.String()
}
