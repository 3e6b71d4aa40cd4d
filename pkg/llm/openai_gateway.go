package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGateway implements Gateway against the OpenAI chat-completions API.
// Clients are cached per API key so each pool account reuses one transport.
type OpenAIGateway struct {
	timeout time.Duration

	mu      sync.RWMutex
	clients map[string]*openai.Client
}

// OpenAIConfig holds configuration for the OpenAI gateway.
type OpenAIConfig struct {
	// Timeout bounds a single completion call. Zero means 60 seconds.
	Timeout time.Duration
}

// NewOpenAIGateway creates a new OpenAI-backed gateway.
func NewOpenAIGateway(cfg OpenAIConfig) *OpenAIGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIGateway{
		timeout: timeout,
		clients: make(map[string]*openai.Client),
	}
}

// Complete dispatches one chat completion with the account key in req.
func (g *OpenAIGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	client := g.clientFor(req.APIKey)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Schema) > 0 {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.SchemaName,
				Schema: req.Schema,
				Strict: true,
			},
		}
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: provider returned no choices")
	}

	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// clientFor returns the cached client for an API key, creating it on first use.
func (g *OpenAIGateway) clientFor(apiKey string) *openai.Client {
	g.mu.RLock()
	client, ok := g.clients[apiKey]
	g.mu.RUnlock()
	if ok {
		return client
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if client, ok = g.clients[apiKey]; ok {
		return client
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: g.timeout}
	client = openai.NewClientWithConfig(cfg)
	g.clients[apiKey] = client
	return client
}

// classifyError maps SDK errors onto the port's error kinds.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return &RateLimitError{Body: apiErr.Message}
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Body: apiErr.Message}
		}
		return fmt.Errorf("llm: provider error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return &RateLimitError{Body: reqErr.Error()}
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Body: reqErr.Error()}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return err
}
