// Package agent implements the core conversation loop: it obtains a
// model response, detects embedded tool directives, executes them in
// order, folds the results back into context, and repeats until the
// model produces a directive-free answer or the turn budget runs out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dleffel/trainer-agent/internal/directive"
	"github.com/dleffel/trainer-agent/internal/llm"
	"github.com/dleffel/trainer-agent/internal/store"
	"github.com/dleffel/trainer-agent/internal/tools"
)

// DefaultMaxTurns caps how many model round trips one user message may
// consume. A model that emits a directive every turn gets exactly this
// many turns before finalization is forced.
const DefaultMaxTurns = 5

// fallbackContent stands in for the final answer when the loop ends
// with nothing presentable.
const fallbackContent = "I've completed the requested actions."

// Orchestrator drives multi-turn conversations for one agent. It is
// the [delivery.Sender]: the delivery manager calls Send once per user
// message and the orchestrator owns everything from there to the final
// assistant reply.
type Orchestrator struct {
	logger   *slog.Logger
	client   llm.Client
	registry *tools.Registry
	store    *store.Store

	systemPrompt string
	maxTurns     int

	// UI-facing streaming sinks; nil when nothing renders live.
	onToken     llm.TokenFunc
	onReasoning llm.TokenFunc

	// tokens receives usage counts after each completed model turn.
	tokens TokenObserver
}

// TokenObserver receives token counts after each completed model turn.
type TokenObserver func(inputTokens, outputTokens int)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSystemPrompt sets the system prompt sent on every turn.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

// WithMaxTurns overrides the turn cap.
func WithMaxTurns(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTurns = n
		}
	}
}

// WithStreamSinks sets the live-render callbacks for streamed content
// and reasoning tokens.
func WithStreamSinks(onToken, onReasoning llm.TokenFunc) Option {
	return func(o *Orchestrator) {
		o.onToken = onToken
		o.onReasoning = onReasoning
	}
}

// WithTokenObserver sets the usage-accounting callback.
func WithTokenObserver(fn TokenObserver) Option {
	return func(o *Orchestrator) { o.tokens = fn }
}

// NewOrchestrator creates a conversation loop.
func NewOrchestrator(client llm.Client, registry *tools.Registry, s *store.Store, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		logger:   logger,
		client:   client,
		registry: registry,
		store:    s,
		maxTurns: DefaultMaxTurns,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Send runs the full turn loop for one user message and returns the
// final assistant reply. The message is already persisted by the
// delivery manager; Send appends the assistant and tool-result
// messages it produces. Cancellation is observed at the top of every
// turn and before each tool dispatch.
func (o *Orchestrator) Send(ctx context.Context, msg store.Message) (string, error) {
	transcript := NewTranscript(o.store, msg.ConversationID, o.logger)
	working, err := transcript.History()
	if err != nil {
		return "", err
	}

	o.logger.Info("conversation turn loop started",
		"conversation", msg.ConversationID,
		"message_id", msg.ID,
		"history", len(working),
	)

	var lastResults []directive.Result
	var lastFolded string // cleaned text already persisted this loop

	for turn := 1; turn <= o.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		comp, err := o.completeTurn(ctx, turn, working)
		if err != nil {
			return "", fmt.Errorf("model turn %d: %w", turn, err)
		}
		if o.tokens != nil {
			o.tokens(comp.InputTokens, comp.OutputTokens)
		}

		content := comp.Content
		if content == "" && len(lastResults) > 0 {
			// The model returned nothing on a follow-up turn. Recover
			// locally: the tool results themselves are the answer.
			o.logger.Warn("empty model response on follow-up turn, synthesizing from tool results",
				"turn", turn)
			content = synthesizeReply(lastResults)
		}

		processed := o.processTurn(ctx, content)
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if !processed.HadDirectives {
			final := processed.CleanedText
			if final == "" {
				final = fallbackContent
			}
			if err := transcript.AppendAssistant(final); err != nil {
				return "", err
			}
			o.logger.Info("conversation finalized",
				"conversation", msg.ConversationID,
				"turns", turn,
			)
			return final, nil
		}

		// Fold this turn: cleaned prose becomes a completed assistant
		// message, results become a system message the model sees next
		// turn but which is never replayed in later conversations.
		if processed.CleanedText != "" {
			if err := transcript.AppendAssistant(processed.CleanedText); err != nil {
				return "", err
			}
			working = append(working, llm.Message{Role: "assistant", Content: processed.CleanedText})
			lastFolded = processed.CleanedText
		}
		formatted, err := transcript.AppendResults(processed.Results)
		if err != nil {
			return "", err
		}
		working = append(working, llm.Message{Role: "system", Content: formatted})
		lastResults = processed.Results

		o.logger.Debug("turn executed directives",
			"turn", turn,
			"directives", len(processed.Results),
		)
	}

	// Turn budget exhausted with directives still flowing. Finalize
	// with the best content on hand; never loop further.
	final := lastFolded
	if final == "" {
		if len(lastResults) > 0 {
			final = synthesizeReply(lastResults)
		} else {
			final = fallbackContent
		}
		if err := transcript.AppendAssistant(final); err != nil {
			return "", err
		}
	}
	o.logger.Warn("turn cap reached, forcing finalization",
		"conversation", msg.ConversationID,
		"turns", o.maxTurns,
	)
	return final, nil
}

// completeTurn obtains one model response. The first turn streams for
// responsiveness, falling back to a plain completion if streaming
// fails; follow-up turns are always non-streaming since their output
// usually exists to consume tool results, not to render live.
func (o *Orchestrator) completeTurn(ctx context.Context, turn int, history []llm.Message) (*llm.Completion, error) {
	if turn > 1 {
		return o.client.Chat(ctx, o.systemPrompt, history)
	}

	buf := NewStreamBuffer(o.onToken)
	comp, err := o.client.ChatStream(ctx, o.systemPrompt, history, buf.Write, o.onReasoning)
	if err == nil {
		return comp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	o.logger.Warn("streaming failed, falling back to non-streaming", "error", err)
	return o.client.Chat(ctx, o.systemPrompt, history)
}

// processTurn detects and executes every directive in content,
// strictly in source order. A failing tool produces a failed result
// and the batch continues.
func (o *Orchestrator) processTurn(ctx context.Context, content string) directive.ProcessedTurn {
	calls := directive.Detect(content)
	if len(calls) == 0 {
		return directive.ProcessedTurn{CleanedText: strings.TrimSpace(content)}
	}

	results := make([]directive.Result, 0, len(calls))
	for i := range calls {
		if ctx.Err() != nil {
			break
		}
		results = append(results, o.registry.Route(ctx, &calls[i]))
	}

	return directive.ProcessedTurn{
		CleanedText:   directive.CleanText(content, calls),
		HadDirectives: true,
		Results:       results,
	}
}

// synthesizeReply builds a user-facing answer directly from tool
// results, for turns where the model produced no content of its own.
func synthesizeReply(results []directive.Result) string {
	var b strings.Builder
	for _, r := range results {
		if r.Success && r.Output != "" {
			b.WriteString(r.Output)
			b.WriteString("\n")
		} else if !r.Success {
			fmt.Fprintf(&b, "I wasn't able to complete %s: %s\n", r.Name, r.Error)
		}
	}
	s := strings.TrimSpace(b.String())
	if s == "" {
		return fallbackContent
	}
	return s
}
