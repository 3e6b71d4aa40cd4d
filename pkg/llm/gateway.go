// Package llm defines the chat-completion provider port consumed by the
// account pool and scheduler, plus the OpenAI-backed implementation.
// Errors are classified into kinds so callers can distinguish provider
// rate limiting from credential rejection and transport trouble without
// depending on a concrete SDK.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Tier identifies which model class a request targets.
type Tier string

const (
	// TierPrimary is the full-size conversation model.
	TierPrimary Tier = "primary"

	// TierMini is the cheap model used for classification and probes.
	TierMini Tier = "mini"
)

// Roles for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. The API key selects the provider account;
// it is a secret and must never be logged.
type Request struct {
	APIKey      string
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int

	// SchemaName and Schema, when set, constrain the response to a JSON
	// schema via the provider's structured-output mode.
	SchemaName string
	Schema     json.RawMessage
}

// Response is the provider's reply.
type Response struct {
	Content      string
	Model        string
	FinishReason string
}

// Gateway is the provider port. Implementations must classify failures
// using the error kinds below so the pool and scheduler can react.
type Gateway interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ErrTimeout marks transport-level timeouts. Callers treat it as transient;
// it never counts against a tracker budget.
var ErrTimeout = errors.New("llm: transport timeout")

// RateLimitError is returned when the provider rejects a call for rate or
// quota reasons. Body carries the raw provider message so callers can tell
// exhausted credits from transient pressure.
type RateLimitError struct {
	Body string
}

func (e *RateLimitError) Error() string {
	return "llm: provider rate limited: " + e.Body
}

// AuthError is returned when the provider rejects the account credentials.
type AuthError struct {
	Body string
}

func (e *AuthError) Error() string {
	return "llm: authentication failed: " + e.Body
}

// IsRateLimit reports whether err is a provider rate-limit rejection.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
