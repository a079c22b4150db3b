// Package bedrock provides a model.Backend implementation backed by the AWS
// Bedrock Converse API. System messages are split from the conversation and
// structured output is requested by forcing a single tool whose input schema
// is the target JSON Schema.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/converge/runtime/model"
	"goa.design/converge/runtime/telemetry"
)

const (
	bedrockProviderName = "bedrock"
	toolPrefix          = "emit_"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// DefaultModel is the model identifier used when a request does not name
	// one (e.g. an Anthropic or Nova inference profile ID).
	DefaultModel string

	// MaxTokens sets the default completion cap when a request does not specify
	// MaxTokens. When zero or negative, the client omits MaxTokens so Bedrock
	// uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32

	// Logger is used for non-fatal diagnostics inside the Bedrock adapter.
	// When nil, defaults to a no-op logger.
	Logger telemetry.Logger
}

// Client implements model.Backend on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
	logger       telemetry.Logger
}

type requestParts struct {
	modelID    string
	tool       string
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
}

// New initializes a Bedrock-powered model client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		logger:       logger,
	}, nil
}

// NewFromConfig builds a client from an AWS configuration.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	return New(bedrockruntime.NewFromConfig(cfg), opts)
}

// Complete issues a Converse request and returns the produced JSON text.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(parts, req))
	if err != nil {
		return nil, wrapBedrockError("converse", err)
	}
	return translateResponse(output, parts.modelID, parts.tool)
}

func (c *Client) prepareRequest(ctx context.Context, req *model.Request) (*requestParts, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	system, conversation := model.SplitSystem(req.Messages)
	parts := &requestParts{modelID: modelID}
	if s := req.Schema; s != nil {
		if s.IsObject() {
			parts.tool = toolPrefix + s.Name()
			parts.toolConfig = c.encodeTool(ctx, parts.tool, s.Map())
		} else {
			system = append(system, "Respond with JSON matching this JSON Schema:\n"+s.Render())
		}
	}
	for _, text := range system {
		parts.system = append(parts.system, &brtypes.SystemContentBlockMemberText{Value: text})
	}
	msgs, err := encodeMessages(conversation)
	if err != nil {
		return nil, err
	}
	parts.messages = msgs
	return parts, nil
}

func (c *Client) buildConverseInput(parts *requestParts, req *model.Request) *bedrockruntime.ConverseInput {
	return &bedrockruntime.ConverseInput{
		ModelId:         aws.String(parts.modelID),
		Messages:        parts.messages,
		System:          parts.system,
		ToolConfig:      parts.toolConfig,
		InferenceConfig: c.inferenceConfig(req.Config),
	}
}

func (c *Client) inferenceConfig(gc model.GenerationConfig) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := gc.MaxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	temp := float32(gc.Temperature)
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if gc.TopP > 0 {
		cfg.TopP = aws.Float32(float32(gc.TopP))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil && cfg.TopP == nil {
		return nil
	}
	return &cfg
}

func (c *Client) encodeTool(ctx context.Context, name string, schema map[string]any) *brtypes.ToolConfiguration {
	if schema == nil {
		c.logger.Warn(ctx, "bedrock: schema did not decode to an object, using empty object schema", "tool", name)
		schema = map[string]any{"type": "object"}
	}
	return &brtypes.ToolConfiguration{
		Tools: []brtypes.Tool{
			&brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        aws.String(name),
				Description: aws.String("Emit the response as a JSON document matching the input schema."),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(schema)},
			}},
		},
		ToolChoice: &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(name)},
		},
	}
}

func encodeMessages(msgs []*model.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role { //nolint:exhaustive
		case model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		out = append(out, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput, modelID, tool string) (*model.Response, error) {
	if output == nil {
		return nil, model.ErrEmptyResponse
	}
	switch output.StopReason {
	case brtypes.StopReasonGuardrailIntervened, brtypes.StopReasonContentFiltered:
		return nil, fmt.Errorf("%w: stop reason %q", model.ErrRefused, output.StopReason)
	}
	var text strings.Builder
	var input string
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				if tool != "" && aws.ToString(v.Value.Name) == tool {
					input = string(decodeDocument(v.Value.Input))
				}
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
		Text:       out,
		Provenance: model.Provenance{Backend: bedrockProviderName, Model: modelID},
	}
	if usage := output.Usage; usage != nil {
		resp.Provenance.Usage = &model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	return resp, nil
}

// isRateLimited reports whether err represents a provider rate limiting
// condition: HTTP 429 responses and throttling error codes.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapBedrockError(operation string, err error) error {
	var (
		status int
		code   string
		msg    string
		reqID  string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
		if respErr.Response != nil && respErr.Response.Response != nil {
			reqID = respErr.Response.Header.Get("x-amzn-RequestId")
		}
	}
	if isRateLimited(err) {
		status = http.StatusTooManyRequests
	}
	pe := model.NewProviderError(bedrockProviderName, operation, status, code, msg, err)
	pe.RequestID = reqID
	return pe
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}
