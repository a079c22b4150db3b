package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const agentYAML = `
system_prompt: Extract the invoice total.
input_schema:
  type: object
  required: [text]
  properties:
    text: {type: string}
output_schema: output.json
generator:
  provider: openai
  model: gpt-4o-mini
  temperature: 0.2
  max_tokens: 512
reviewer:
  provider: groq
  base_url: https://api.groq.com/openai/v1
  model: llama-3.3-70b-versatile
max_iterations: 3
rate_limit:
  tokens_per_minute: 30000
  cluster_key: openai
retry:
  max_attempts: 4
  initial_backoff: 250ms
  max_backoff: 5s
`

const outputJSON = `{"type":"object","required":["total"],"properties":{"total":{"type":"number"}}}`

func writeAgent(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output.json"), []byte(outputJSON), 0o600))
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadAgentConfig(t *testing.T) {
	cfg, err := loadAgentConfig(writeAgent(t, agentYAML))
	require.NoError(t, err)

	require.Equal(t, "Extract the invoice total.", cfg.SystemPrompt)
	in, ok := cfg.InputSchema.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "object", in["type"])
	require.JSONEq(t, outputJSON, string(cfg.OutputSchema.(json.RawMessage)))

	require.Equal(t, "openai", cfg.Generator.Provider)
	gc := cfg.Generator.generation()
	require.Equal(t, 0.2, gc.Temperature)
	require.Equal(t, 512, gc.MaxTokens)
	require.NotNil(t, cfg.Reviewer)
	require.Equal(t, "https://api.groq.com/openai/v1", cfg.Reviewer.BaseURL)
	require.Equal(t, 3, cfg.MaxIterations)
	require.Equal(t, 30000.0, cfg.RateLimit.TokensPerMinute)
	require.Equal(t, "openai", cfg.RateLimit.ClusterKey)
	require.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.InitialBackoff)
	require.Equal(t, 5*time.Second, cfg.Retry.MaxBackoff)
}

func TestLoadAgentConfigInlineJSONSchema(t *testing.T) {
	cfg, err := loadAgentConfig(writeAgent(t, `
input_schema: '{"type":"object"}'
output_schema: {type: object}
generator: {provider: anthropic, model: claude-sonnet-4-5}
`))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"object"}`, string(cfg.InputSchema.(json.RawMessage)))
	require.Nil(t, cfg.Reviewer)
}

func TestLoadAgentConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing input schema": "output_schema: {type: object}\ngenerator: {provider: openai, model: m}\n",
		"missing schema file":  "input_schema: nope.json\noutput_schema: {type: object}\ngenerator: {provider: openai, model: m}\n",
		"missing provider":     "input_schema: {}\noutput_schema: {}\ngenerator: {model: m}\n",
		"missing model":        "input_schema: {}\noutput_schema: {}\ngenerator: {provider: openai}\n",
		"unknown provider":     "input_schema: {}\noutput_schema: {}\ngenerator: {provider: groq, model: m}\n",
		"bad reviewer":         "input_schema: {}\noutput_schema: {}\ngenerator: {provider: openai, model: m}\nreviewer: {provider: bedrock}\n",
		"negative budget":      "input_schema: {}\noutput_schema: {}\ngenerator: {provider: openai, model: m}\nmax_iterations: -1\n",
		"unknown field":        "input_schema: {}\noutput_schema: {}\ngenerator: {provider: openai, model: m}\nbudget: 3\n",
		"not yaml":             "{[",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadAgentConfig(writeAgent(t, doc))
			require.Error(t, err)
		})
	}
	_, err := loadAgentConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvAPIKey(t *testing.T) {
	env := envConfig{
		OpenAIKey: "sk-openai",
		lookup: func(name string) string {
			return map[string]string{"GROQ_API_KEY": "gsk", "TOGETHER_AI_API_KEY": "tog"}[name]
		},
	}
	require.Equal(t, "sk-openai", env.apiKey("openai"))
	require.Equal(t, "sk-openai", env.apiKey(""))
	require.Equal(t, "gsk", env.apiKey("groq"))
	require.Equal(t, "tog", env.apiKey("together-ai"))
	require.Empty(t, env.apiKey("ollama"))
	require.Empty(t, envConfig{}.apiKey("groq"))
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "eu-west-1")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	env := loadEnv()
	require.Equal(t, "eu-west-1", env.AWSRegion)
	require.Equal(t, "redis://localhost:6379/0", env.RedisURL)
}

func TestExampleAgentLoads(t *testing.T) {
	cfg, err := loadAgentConfig("agent.example.yaml")
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MaxIterations)
	require.NotNil(t, cfg.Reviewer)
	require.Equal(t, "anthropic", cfg.Reviewer.Provider)
	require.Equal(t, "converge-invoices", cfg.RateLimit.ClusterKey)
}
