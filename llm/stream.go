package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"callpipe/core"

	openai "github.com/sashabaranov/go-openai"
)

// Config holds the configuration for the token stream client.
type Config struct {
	APIKey string `json:"api_key"`

	// Model is the default completion model when a session does not set one.
	Model string `json:"model"`

	// MaxTokens bounds generation length so replies stay short enough
	// for spoken delivery.
	MaxTokens int `json:"max_tokens"`

	Temperature float32 `json:"temperature"`
}

// DefaultConfig returns a configuration tuned for spoken replies.
func DefaultConfig() Config {
	return Config{
		Model:       openai.GPT4oMini,
		MaxTokens:   200,
		Temperature: 0.7,
	}
}

// Request is one streaming completion over a session's history.
type Request struct {
	Model    string
	Messages []core.ChatMessage
}

// Handlers receive stream progress. OnToken fires synchronously per
// fragment. Exactly one of OnDone or OnError fires afterwards.
// Cancellation is not an error: a cancelled stream resolves through
// OnDone with whatever partial text accumulated.
type Handlers struct {
	OnToken func(fragment string)
	OnDone  func(full string)
	OnError func(err error)
}

// completionStream is the subset of the provider stream the client
// consumes; it exists so tests can substitute a scripted stream.
type completionStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

type streamFactory func(ctx context.Context, req openai.ChatCompletionRequest) (completionStream, error)

// Client opens cancellable streaming completions against the model
// provider. It holds no per-call state and is shared across sessions.
type Client struct {
	config    Config
	logger    *core.Logger
	newStream streamFactory
}

func NewClient(config Config, logger *core.Logger) *Client {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultConfig().MaxTokens
	}
	api := openai.NewClient(config.APIKey)
	return &Client{
		config: config,
		logger: logger,
		newStream: func(ctx context.Context, req openai.ChatCompletionRequest) (completionStream, error) {
			return api.CreateChatCompletionStream(ctx, req)
		},
	}
}

// Stream opens a streaming completion and drives the handlers until the
// stream completes, fails, or ctx is cancelled. It blocks the caller;
// no retries happen here, per-turn retry policy belongs to the caller.
func (c *Client) Stream(ctx context.Context, req Request, h Handlers) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Stream:      true,
	}

	stream, err := c.newStream(ctx, apiReq)
	if err != nil {
		if cancelled(ctx, err) {
			c.done(h, "")
			return
		}
		c.fail(h, fmt.Errorf("llm: open stream: %w", err))
		return
	}
	defer stream.Close()

	var full strings.Builder
	for {
		if ctx.Err() != nil {
			c.done(h, full.String())
			return
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.done(h, full.String())
			return
		}
		if err != nil {
			if cancelled(ctx, err) {
				c.done(h, full.String())
				return
			}
			c.fail(h, fmt.Errorf("llm: recv: %w", err))
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		fragment := resp.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}
		full.WriteString(fragment)
		if h.OnToken != nil {
			h.OnToken(fragment)
		}
	}
}

func (c *Client) done(h Handlers, full string) {
	if h.OnDone != nil {
		h.OnDone(full)
	}
}

func (c *Client) fail(h Handlers, err error) {
	c.logger.Error("token stream failed", "error", err)
	if h.OnError != nil {
		h.OnError(err)
	}
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func convertMessages(messages []core.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Text,
		})
	}
	return out
}

func convertRole(role core.ChatRole) string {
	switch role {
	case core.ChatRoleSystem:
		return openai.ChatMessageRoleSystem
	case core.ChatRoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
