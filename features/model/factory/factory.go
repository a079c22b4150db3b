// Package factory resolves heterogeneous model clients into model.Backend
// values. It accepts backends as-is and wraps the provider SDK clients the
// adapters in features/model support.
package factory

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openaisdk "github.com/openai/openai-go"

	"goa.design/converge/features/model/anthropic"
	"goa.design/converge/features/model/bedrock"
	"goa.design/converge/features/model/openai"
	"goa.design/converge/runtime/model"
)

// OpenAICompatible describes an endpoint speaking the OpenAI Chat Completions
// protocol.
type OpenAICompatible struct {
	// BaseURL is the API root, e.g. "https://openrouter.ai/api/v1".
	BaseURL string
	// APIKey may be empty for local servers.
	APIKey string
	// Provider overrides the provider name detected from BaseURL.
	Provider string
}

var _ model.Resolver = Resolve

// knownHosts maps host suffixes to provider names.
var knownHosts = []struct{ suffix, provider string }{
	{"api.openai.com", "openai"},
	{"openrouter.ai", "openrouter"},
	{"groq.com", "groq"},
	{"together.xyz", "together"},
	{"together.ai", "together"},
	{"deepseek.com", "deepseek"},
	{"mistral.ai", "mistral"},
	{"fireworks.ai", "fireworks"},
}

// Resolve converts v into a model.Backend. Supported values are model.Backend
// implementations, openai-go clients, anthropic-sdk-go clients, Bedrock
// runtime clients and OpenAICompatible descriptors. Anything else yields an
// error wrapping model.ErrUnrecognizedBackend.
func Resolve(v any) (model.Backend, error) {
	switch c := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", model.ErrUnrecognizedBackend)
	case model.Backend:
		return c, nil
	case *openaisdk.Client:
		if c == nil {
			break
		}
		return openai.New(openai.Options{Client: &c.Chat.Completions})
	case openaisdk.Client:
		return openai.New(openai.Options{Client: &c.Chat.Completions})
	case *anthropicsdk.Client:
		if c == nil {
			break
		}
		return anthropic.New(&c.Messages, anthropic.Options{})
	case anthropicsdk.Client:
		return anthropic.New(&c.Messages, anthropic.Options{})
	case *bedrockruntime.Client:
		if c == nil {
			break
		}
		return bedrock.New(c, bedrock.Options{})
	case OpenAICompatible:
		return resolveCompatible(c)
	case *OpenAICompatible:
		if c == nil {
			break
		}
		return resolveCompatible(*c)
	}
	return nil, fmt.Errorf("%w: %T", model.ErrUnrecognizedBackend, v)
}

func resolveCompatible(c OpenAICompatible) (model.Backend, error) {
	provider := c.Provider
	if provider == "" {
		provider = DetectProvider(c.BaseURL)
	}
	return openai.NewWithBaseURL(c.BaseURL, c.APIKey, provider, "")
}

// DetectProvider names the provider serving baseURL from its host. Local
// endpoints are reported as "ollama" and unknown hosts as
// "openai-compatible".
func DetectProvider(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "openai-compatible"
	}
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, "ollama") || host == "localhost" {
		return "ollama"
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "ollama"
	}
	for _, h := range knownHosts {
		if host == h.suffix || strings.HasSuffix(host, "."+h.suffix) {
			return h.provider
		}
	}
	return "openai-compatible"
}
