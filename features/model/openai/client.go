// Package openai provides a model.Backend implementation backed by the OpenAI
// Chat Completions API. It also serves OpenAI-compatible endpoints (OpenRouter,
// Groq, Ollama, ...) when configured with a custom base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"goa.design/converge/runtime/model"
)

// ChatClient captures the subset of the openai-go client used by the adapter.
// *openai.ChatCompletionService satisfies it.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client ChatClient
	// DefaultModel is used when a request does not name a model.
	DefaultModel string
	// Provider names the backend in provenance and errors. Defaults to
	// "openai".
	Provider string
}

// Client implements model.Backend via the OpenAI Chat Completions API.
type Client struct {
	chat     ChatClient
	model    string
	provider string
}

const defaultProvider = "openai"

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	provider := opts.Provider
	if provider == "" {
		provider = defaultProvider
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel, provider: provider}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	sdk := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &sdk.Chat.Completions, DefaultModel: defaultModel})
}

// NewWithBaseURL constructs a client for an OpenAI-compatible endpoint.
// apiKey may be empty for local servers that do not authenticate.
func NewWithBaseURL(baseURL, apiKey, provider, defaultModel string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		opts = append(opts, option.WithAPIKey("unused"))
	}
	sdk := openai.NewClient(opts...)
	return New(Options{Client: &sdk.Chat.Completions, DefaultModel: defaultModel, Provider: provider})
}

// Provider returns the provider name reported in provenance.
func (c *Client) Provider() string { return c.provider }

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	if modelID == "" {
		return nil, errors.New("openai: model is required")
	}
	params := c.prepareRequest(modelID, req)
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, c.wrapError(err)
	}
	return c.translateResponse(modelID, resp)
}

func (c *Client) prepareRequest(modelID string, req *model.Request) openai.ChatCompletionNewParams {
	var suffix string
	params := openai.ChatCompletionNewParams{Model: shared.ChatModel(modelID)}
	switch {
	case req.Schema != nil && req.Schema.IsObject():
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Schema.Name(),
					Schema: req.Schema.Map(),
				},
			},
		}
	case req.Schema != nil:
		suffix = "Respond with JSON matching this JSON Schema:\n" + req.Schema.Render()
		fallthrough
	default:
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	params.Messages = encodeMessages(req.Messages, suffix)

	cfg := req.Config
	if cfg.Temperature > 0 {
		params.Temperature = openai.Float(cfg.Temperature)
	}
	if cfg.TopP > 0 {
		params.TopP = openai.Float(cfg.TopP)
	}
	if cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(cfg.MaxTokens))
	}
	if cfg.PresencePenalty != 0 {
		params.PresencePenalty = openai.Float(cfg.PresencePenalty)
	}
	if cfg.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openai.Float(cfg.FrequencyPenalty)
	}
	return params
}

// encodeMessages maps the conversation onto chat messages. suffix, when set,
// is appended to the last system message (or sent as one).
func encodeMessages(msgs []*model.Message, suffix string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	lastSystem := -1
	for i, m := range msgs {
		if m != nil && m.Role == model.RoleSystem {
			lastSystem = i
		}
	}
	if suffix != "" && lastSystem < 0 {
		out = append(out, openai.SystemMessage(suffix))
	}
	for i, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			content := m.Content
			if i == lastSystem && suffix != "" {
				content = strings.TrimSpace(content + "\n\n" + suffix)
			}
			out = append(out, openai.SystemMessage(content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func (c *Client) translateResponse(modelID string, resp *openai.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, model.ErrEmptyResponse
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", model.ErrRefused, choice.Message.Refusal)
	}
	if choice.FinishReason == "content_filter" {
		return nil, fmt.Errorf("%w: content filtered", model.ErrRefused)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return nil, model.ErrEmptyResponse
	}
	out := &model.Response{
		Text: choice.Message.Content,
		Provenance: model.Provenance{
			Backend: c.provider,
			Model:   modelID,
		},
	}
	if resp.Model != "" {
		out.Provenance.Model = resp.Model
	}
	if u := resp.Usage; u.PromptTokens > 0 || u.CompletionTokens > 0 {
		out.Provenance.Usage = &model.TokenUsage{
			InputTokens:  int(u.PromptTokens),
			OutputTokens: int(u.CompletionTokens),
			TotalTokens:  int(u.TotalTokens),
		}
	}
	return out, nil
}

func (c *Client) wrapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return model.NewProviderError(c.provider, "chat.completions", 0, "", "", err)
	}
	var reqID string
	if apiErr.Response != nil {
		reqID = apiErr.Response.Header.Get("x-request-id")
	}
	status := apiErr.StatusCode
	if status == 0 && apiErr.Response != nil {
		status = apiErr.Response.StatusCode
	}
	pe := model.NewProviderError(c.provider, "chat.completions", status, apiErr.Code, apiErr.Message, err)
	pe.RequestID = reqID
	return pe
}
