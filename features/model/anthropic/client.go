// Package anthropic provides a model.Backend implementation backed by the
// Anthropic Claude Messages API. Structured output is obtained by forcing a
// single tool whose input schema is the requested JSON Schema.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/converge/runtime/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// one. Defaults to 4096 since the Messages API requires a value.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Backend on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
	toolPrefix       = "emit_"
)

// New builds an Anthropic-backed model client from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a Messages.New request and returns the JSON produced either
// as forced tool input or as assistant text.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, tool, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(msg, string(params.Model), tool)
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, string, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, "", errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, "", errors.New("anthropic: model identifier is required")
	}
	system, conversation := model.SplitSystem(req.Messages)
	var tool string
	if s := req.Schema; s != nil {
		if s.IsObject() {
			tool = toolPrefix + s.Name()
		} else {
			system = append(system, "Respond with JSON matching this JSON Schema:\n"+s.Render())
		}
	}
	msgs, err := encodeMessages(conversation)
	if err != nil {
		return nil, "", err
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	for _, text := range system {
		params.System = append(params.System, sdk.TextBlockParam{Text: text})
	}
	temp := req.Config.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.Config.TopP > 0 {
		params.TopP = sdk.Float(req.Config.TopP)
	}
	if tool != "" {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: req.Schema.Map()}, tool)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String("Emit the response as a JSON document matching the input schema.")
		}
		params.Tools = []sdk.ToolUnionParam{u}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(tool)
	}
	return &params, tool, nil
}

func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		switch m.Role { //nolint:exhaustive
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(block))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, nil
}

// translateResponse extracts the payload. When tool is set the forced tool
// input takes precedence over any text blocks.
func translateResponse(msg *sdk.Message, modelID, tool string) (*model.Response, error) {
	if msg == nil {
		return nil, model.ErrEmptyResponse
	}
	if string(msg.StopReason) == "refusal" {
		return nil, fmt.Errorf("%w: stop reason %q", model.ErrRefused, msg.StopReason)
	}
	var text strings.Builder
	var input string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if tool != "" && block.Name == tool && len(block.Input) > 0 {
				input = string(block.Input)
			}
		}
	}
	out := input
	if out == "" {
		out = text.String()
	}
	if strings.TrimSpace(out) == "" {
		return nil, model.ErrEmptyResponse
	}
	resp := &model.Response{
		Text: out,
		Provenance: model.Provenance{
			Backend: providerName,
			Model:   modelID,
		},
	}
	if msg.Model != "" {
		resp.Provenance.Model = string(msg.Model)
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Provenance.Usage = &model.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	return resp, nil
}

func wrapError(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, "messages.new", 0, "", "", err)
	}
	status := apiErr.StatusCode
	var reqID string
	if apiErr.Response != nil {
		if status == 0 {
			status = apiErr.Response.StatusCode
		}
		reqID = apiErr.Response.Header.Get("request-id")
	}
	pe := model.NewProviderError(providerName, "messages.new", status, "", "", err)
	pe.RequestID = reqID
	return pe
}
