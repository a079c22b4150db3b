// Package model defines the provider-agnostic capability the convergence loop
// uses to talk to language models. Backends wrap provider SDKs (OpenAI,
// Anthropic, Bedrock, etc.) and translate Request/Response into
// provider-specific calls so callers never couple to a specific SDK.
package model

import (
	"context"
	"errors"

	"goa.design/converge/runtime/schema"
)

type (
	// Backend is the single operation every model adapter implements.
	// Implementations must be safe for concurrent use and reusable across
	// runs. Complete blocks on network I/O and honors ctx cancellation.
	Backend interface {
		// Complete sends a chat completion request and returns the generated
		// text with its provenance. Provider failures, refusals and empty
		// completions are returned as errors, never as an empty success.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// BackendFunc adapts an ordinary function to the Backend interface.
	BackendFunc func(ctx context.Context, req *Request) (*Response, error)

	// Middleware decorates a Backend (rate limiting, retries, ...).
	Middleware func(Backend) Backend

	// Role tags chat messages.
	Role string

	// Message is a role-tagged chat message.
	Message struct {
		Role    Role
		Content string
	}

	// Request captures the normalized parameters for one model invocation.
	Request struct {
		// Messages is the ordered chat history. System messages carry
		// instructions; adapters move them to the provider's system slot.
		Messages []*Message
		// Model is the provider-specific model identifier. Adapters fall back
		// to their configured default when empty.
		Model string
		// Config holds optional generation parameters.
		Config GenerationConfig
		// Schema is the target schema for the reply. When set, adapters use
		// the provider's native structured output mechanism if one exists and
		// fall back to text instructions otherwise.
		Schema *schema.Schema
	}

	// GenerationConfig holds tunable sampling parameters. Zero values mean
	// "use the provider default".
	GenerationConfig struct {
		Temperature      float64
		TopP             float64
		MaxTokens        int
		PresencePenalty  float64
		FrequencyPenalty float64
	}

	// Response is the raw model reply. Text is untrusted and may not be valid
	// JSON.
	Response struct {
		Text       string
		Provenance Provenance
	}

	// Provenance identifies which backend and model produced a response.
	Provenance struct {
		// Backend is the provider name (e.g. "openai", "anthropic", "bedrock",
		// "groq").
		Backend string
		// Model is the model identifier the provider reported or was asked for.
		Model string
		// Usage is nil when the provider did not report token counts.
		Usage *TokenUsage
	}

	// TokenUsage records token counts reported by the provider.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

// Chat roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrEmptyResponse indicates the provider returned no usable content.
	ErrEmptyResponse = errors.New("model: empty response")

	// ErrRefused indicates the provider declined to answer (explicit refusal,
	// content filter or guardrail intervention).
	ErrRefused = errors.New("model: request refused")

	// ErrRateLimited indicates the provider throttled the request. Adapters
	// wrap provider errors with it so middlewares can react.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrUnrecognizedBackend indicates a value could not be resolved into a
	// Backend.
	ErrUnrecognizedBackend = errors.New("model: unrecognized backend")
)

// Complete calls f(ctx, req).
func (f BackendFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Chain applies middlewares to b so that the first middleware is the
// outermost one.
func Chain(b Backend, mws ...Middleware) Backend {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		b = mws[i](b)
	}
	return b
}

// SystemMessage returns a system message.
func SystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// UserMessage returns a user message.
func UserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// SplitSystem separates system instructions from the conversation. Adapters
// for providers with a dedicated system slot use it.
func SplitSystem(msgs []*Message) (system []string, conversation []*Message) {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		conversation = append(conversation, m)
	}
	return system, conversation
}
