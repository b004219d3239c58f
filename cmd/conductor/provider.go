package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openaisdk "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"goa.design/conductor/features/generate/anthropic"
	"goa.design/conductor/features/generate/bedrock"
	"goa.design/conductor/features/generate/middleware"
	"goa.design/conductor/features/generate/openai"
	"goa.design/conductor/runtime/generate"
)

// buildGenerator constructs the configured provider generator wrapped in the
// adaptive rate limiter. Returns nil when no provider is configured.
func buildGenerator(ctx context.Context, cfg ProviderConfig) (generate.Generator, error) {
	var (
		gen generate.Generator
		err error
	)
	switch cfg.Name {
	case "":
		return nil, nil
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		ac := anthropicsdk.NewClient(anthropicopt.WithAPIKey(key))
		gen, err = anthropic.New(&ac.Messages, anthropic.Options{Model: cfg.Model, MaxTokens: cfg.MaxTokens})
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
		}
		oc := openaisdk.NewClient(openaiopt.WithAPIKey(key))
		gen, err = openai.New(&oc.Chat.Completions, openai.Options{Model: cfg.Model})
	case "bedrock":
		var optFns []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, cfgErr := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if cfgErr != nil {
			return nil, fmt.Errorf("load aws config: %w", cfgErr)
		}
		gen, err = bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Options{Model: cfg.Model, MaxTokens: cfg.MaxTokens})
	default:
		return nil, fmt.Errorf("provider %q is not supported", cfg.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s generator: %w", cfg.Name, err)
	}
	if cfg.RateLimit.InitialTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)
		gen = generate.Chain(gen, limiter.Middleware())
	}
	return gen, nil
}
