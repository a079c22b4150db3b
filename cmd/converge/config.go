package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/converge/runtime/model"
)

type (
	// agentConfig is the YAML agent definition.
	agentConfig struct {
		SystemPrompt  string           `yaml:"system_prompt"`
		InputSchema   any              `yaml:"input_schema"`
		OutputSchema  any              `yaml:"output_schema"`
		Generator     backendConfig    `yaml:"generator"`
		Reviewer      *backendConfig   `yaml:"reviewer"`
		MaxIterations int              `yaml:"max_iterations"`
		RateLimit     *rateLimitConfig `yaml:"rate_limit"`
		Retry         *retryConfig     `yaml:"retry"`
	}

	backendConfig struct {
		// Provider is openai, anthropic, bedrock or any OpenAI-compatible
		// provider name when BaseURL is set.
		Provider         string  `yaml:"provider"`
		Model            string  `yaml:"model"`
		BaseURL          string  `yaml:"base_url"`
		Temperature      float64 `yaml:"temperature"`
		TopP             float64 `yaml:"top_p"`
		MaxTokens        int     `yaml:"max_tokens"`
		PresencePenalty  float64 `yaml:"presence_penalty"`
		FrequencyPenalty float64 `yaml:"frequency_penalty"`
	}

	rateLimitConfig struct {
		TokensPerMinute    float64 `yaml:"tokens_per_minute"`
		MaxTokensPerMinute float64 `yaml:"max_tokens_per_minute"`
		// ClusterKey enables cross-process coordination when REDIS_URL is
		// set.
		ClusterKey string `yaml:"cluster_key"`
	}

	retryConfig struct {
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
	}

	// envConfig holds credentials read from the environment.
	envConfig struct {
		OpenAIKey    string
		AnthropicKey string
		AWSRegion    string
		AWSKeyID     string
		AWSSecret    string
		AWSSession   string
		RedisURL     string
		// lookup reads provider-specific keys such as GROQ_API_KEY.
		lookup func(string) string
	}
)

// loadAgentConfig reads and validates the agent definition at path. Schema
// fields given as strings are resolved as JSON files relative to the
// definition.
func loadAgentConfig(path string) (*agentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg agentConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if cfg.InputSchema, err = resolveSchema(dir, "input_schema", cfg.InputSchema); err != nil {
		return nil, err
	}
	if cfg.OutputSchema, err = resolveSchema(dir, "output_schema", cfg.OutputSchema); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func resolveSchema(dir, field string, v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return nil, fmt.Errorf("%s is required", field)
	case string:
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "{") {
			return json.RawMessage(s), nil
		}
		if !filepath.IsAbs(s) {
			s = filepath.Join(dir, s)
		}
		data, err := os.ReadFile(s)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", field, err)
		}
		return json.RawMessage(data), nil
	default:
		return v, nil
	}
}

func (c *agentConfig) validate() error {
	if err := c.Generator.validate(); err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	if c.Reviewer != nil {
		if err := c.Reviewer.validate(); err != nil {
			return fmt.Errorf("reviewer: %w", err)
		}
	}
	if c.MaxIterations < 0 {
		return errors.New("max_iterations must not be negative")
	}
	if c.Retry != nil && c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must not be negative")
	}
	return nil
}

func (b *backendConfig) validate() error {
	if b.Model == "" {
		return errors.New("model is required")
	}
	switch b.Provider {
	case "openai", "anthropic", "bedrock":
		return nil
	case "":
		return errors.New("provider is required")
	default:
		if b.BaseURL == "" {
			return fmt.Errorf("provider %q requires base_url", b.Provider)
		}
		return nil
	}
}

func (b *backendConfig) generation() model.GenerationConfig {
	return model.GenerationConfig{
		Temperature:      b.Temperature,
		TopP:             b.TopP,
		MaxTokens:        b.MaxTokens,
		PresencePenalty:  b.PresencePenalty,
		FrequencyPenalty: b.FrequencyPenalty,
	}
}

func loadEnv() envConfig {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	return envConfig{
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		AWSRegion:    region,
		AWSKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecret:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSSession:   os.Getenv("AWS_SESSION_TOKEN"),
		RedisURL:     os.Getenv("REDIS_URL"),
		lookup:       os.Getenv,
	}
}

// apiKey returns the credential for an OpenAI-compatible provider:
// OPENAI_API_KEY for openai, <PROVIDER>_API_KEY otherwise.
func (e envConfig) apiKey(provider string) string {
	if provider == "" || provider == "openai" {
		return e.OpenAIKey
	}
	if e.lookup == nil {
		return ""
	}
	name := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, provider)
	return e.lookup(name + "_API_KEY")
}
