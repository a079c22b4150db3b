package main

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"

	"goa.design/converge/features/model/factory"
	"goa.design/converge/features/model/middleware"
	"goa.design/converge/runtime/model"
	"goa.design/converge/runtime/telemetry"
	"goa.design/pulse/rmap"
)

const rateLimitMapName = "converge-ratelimit"

// providerClient builds the SDK client for b. The returned value is resolved
// into a model.Backend by factory.Resolve.
func providerClient(b backendConfig, env envConfig) (any, error) {
	switch {
	case b.Provider == "anthropic":
		if env.AnthropicKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is not set")
		}
		c := anthropicsdk.NewClient(anthropicoption.WithAPIKey(env.AnthropicKey))
		return &c, nil
	case b.Provider == "bedrock":
		if env.AWSRegion == "" {
			return nil, errors.New("AWS_REGION is not set")
		}
		return bedrockruntime.NewFromConfig(awsConfig(env)), nil
	case b.BaseURL != "":
		provider := b.Provider
		if provider == "openai" {
			provider = ""
		}
		return factory.OpenAICompatible{BaseURL: b.BaseURL, APIKey: env.apiKey(b.Provider), Provider: provider}, nil
	case b.Provider == "openai":
		if env.OpenAIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		c := openaisdk.NewClient(openaioption.WithAPIKey(env.OpenAIKey))
		return &c, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", b.Provider)
	}
}

// awsConfig builds a static-credential AWS configuration from the
// environment.
func awsConfig(env envConfig) aws.Config {
	cfg := aws.Config{Region: env.AWSRegion}
	if env.AWSKeyID != "" && env.AWSSecret != "" {
		cfg.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     env.AWSKeyID,
				SecretAccessKey: env.AWSSecret,
				SessionToken:    env.AWSSession,
				Source:          "environment",
			}, nil
		}))
	}
	return cfg
}

// middlewares builds the backend middleware chain from the agent definition.
// The returned cleanup function releases Redis resources.
func middlewares(ctx context.Context, cfg *agentConfig, env envConfig, logger telemetry.Logger) ([]model.Middleware, func(), error) {
	var (
		mws     []model.Middleware
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if cfg.Retry != nil && cfg.Retry.MaxAttempts > 1 {
		rc := middleware.DefaultRetryConfig()
		rc.MaxAttempts = cfg.Retry.MaxAttempts
		if cfg.Retry.InitialBackoff > 0 {
			rc.InitialBackoff = cfg.Retry.InitialBackoff
		}
		if cfg.Retry.MaxBackoff > 0 {
			rc.MaxBackoff = cfg.Retry.MaxBackoff
		}
		rc.Logger = logger
		mws = append(mws, middleware.Retry(rc))
	}
	if rl := cfg.RateLimit; rl != nil {
		lc := middleware.RateLimitConfig{
			TokensPerMinute:    rl.TokensPerMinute,
			MaxTokensPerMinute: rl.MaxTokensPerMinute,
			Logger:             logger,
		}
		if rl.ClusterKey != "" && env.RedisURL != "" {
			opts, err := redis.ParseURL(env.RedisURL)
			if err != nil {
				return nil, cleanup, fmt.Errorf("parse REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opts)
			closers = append(closers, func() { _ = rdb.Close() })
			m, err := rmap.Join(ctx, rateLimitMapName, rdb)
			if err != nil {
				cleanup()
				return nil, func() {}, fmt.Errorf("join rate limit map: %w", err)
			}
			closers = append(closers, func() { m.Close() })
			lc.Map, lc.Key = m, rl.ClusterKey
		}
		mws = append(mws, middleware.NewAdaptiveRateLimiter(ctx, lc).Middleware())
	}
	return mws, cleanup, nil
}

// resolver resolves provider clients and wraps them with mws.
func resolver(mws []model.Middleware) model.Resolver {
	return func(v any) (model.Backend, error) {
		b, err := factory.Resolve(v)
		if err != nil {
			return nil, err
		}
		return model.Chain(b, mws...), nil
	}
}
