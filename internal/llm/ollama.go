package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dleffel/trainer-agent/internal/httpkit"
)

// LevelTrace mirrors config.LevelTrace for wire-level payload logging
// without importing the config package.
const LevelTrace = slog.Level(-8)

// OllamaClient talks to an Ollama-compatible chat API.
type OllamaClient struct {
	baseURL string
	model   string
	logger  *slog.Logger

	// Two clients: bounded timeout for request/response calls, no
	// overall timeout for streaming (a healthy stream can legitimately
	// run longer than any request deadline; ctx still bounds it).
	client    *http.Client
	streaming *http.Client
}

// NewOllamaClient creates a client for the given endpoint and model.
// timeout bounds non-streaming requests; zero means the shared
// default from httpkit.
func NewOllamaClient(baseURL, model string, timeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = httpkit.DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		logger:    logger,
		client:    httpkit.NewClient(httpkit.WithTimeout(timeout), httpkit.WithLogger(logger)),
		streaming: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
	}
}

// chatRequest is the wire format of a chat call.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Think    bool      `json:"think,omitempty"`
}

// chatChunk is one NDJSON stream chunk; non-streaming responses are a
// single chunk with done=true.
type chatChunk struct {
	Model   string `json:"model"`
	Message struct {
		Role     string `json:"role"`
		Content  string `json:"content"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count,omitempty"`
	EvalCount       int  `json:"eval_count,omitempty"`
}

// Chat implements Client.
func (c *OllamaClient) Chat(ctx context.Context, system string, history []Message) (*Completion, error) {
	body, err := c.post(ctx, c.client, chatRequest{
		Model:    c.model,
		Messages: withSystem(system, history),
		Stream:   false,
		Think:    true,
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var chunk chatChunk
	if err := json.NewDecoder(body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "chat response",
		"model", chunk.Model,
		"content_len", len(chunk.Message.Content),
		"reasoning_len", len(chunk.Message.Thinking),
	)

	return &Completion{
		Content:      chunk.Message.Content,
		Reasoning:    chunk.Message.Thinking,
		InputTokens:  chunk.PromptEvalCount,
		OutputTokens: chunk.EvalCount,
	}, nil
}

// ChatStream implements Client.
func (c *OllamaClient) ChatStream(ctx context.Context, system string, history []Message, onToken, onReasoning TokenFunc) (*Completion, error) {
	body, err := c.post(ctx, c.streaming, chatRequest{
		Model:    c.model,
		Messages: withSystem(system, history),
		Stream:   true,
		Think:    true,
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var content, reasoning strings.Builder
	comp := &Completion{}
	decoder := json.NewDecoder(body)

	for {
		var chunk chatChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Thinking != "" {
			reasoning.WriteString(chunk.Message.Thinking)
			if onReasoning != nil {
				onReasoning(chunk.Message.Thinking)
			}
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if onToken != nil {
				onToken(chunk.Message.Content)
			}
		}

		if chunk.Done {
			comp.InputTokens = chunk.PromptEvalCount
			comp.OutputTokens = chunk.EvalCount
			break
		}
	}

	comp.Content = content.String()
	comp.Reasoning = reasoning.String()

	c.logger.Log(ctx, LevelTrace, "chat stream complete",
		"content_len", len(comp.Content),
		"reasoning_len", len(comp.Reasoning),
	)

	return comp, nil
}

// post marshals req and issues the chat call, returning the response
// body on HTTP 200.
func (c *OllamaClient) post(ctx context.Context, client *http.Client, req chatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "chat request",
		"model", req.Model,
		"stream", req.Stream,
		"messages", len(req.Messages),
		"bytes", len(payload),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}
	return resp.Body, nil
}

// Ping implements Client.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// withSystem prepends the system prompt to the history.
func withSystem(system string, history []Message) []Message {
	msgs := make([]Message, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	return append(msgs, history...)
}
