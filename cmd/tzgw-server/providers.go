package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"goa.design/tzgw/provider"
	"goa.design/tzgw/provider/anthropic"
	"goa.design/tzgw/provider/bedrock"
	"goa.design/tzgw/provider/openai"
)

// defaultProviderTPM/defaultProviderMaxTPM seed each provider's adaptive
// rate limiter. These are conservative process-local defaults; spec.md has
// no per-provider budget configuration, so every adapter starts from the
// same budget and adapts independently based on the 429s it observes.
const (
	defaultProviderTPM    = 60000
	defaultProviderMaxTPM = 600000
)

// registerProviders builds the fixed set of provider adapters the gateway
// can route to. Each adapter resolves its own default credential from the
// environment variable convention its SDK already uses (ANTHROPIC_API_KEY,
// OPENAI_API_KEY); Bedrock resolves credentials via the AWS SDK's own chain.
// A provider whose credential is entirely absent is simply omitted — the
// dispatcher reports ErrorKindConfig for any variant routed to it, rather
// than failing the whole process at startup.
//
// Every adapter is wrapped in an AdaptiveRateLimiter so a provider that
// starts rejecting requests with ErrorKindRateLimited backs off the
// gateway's outbound rate to it instead of hammering it at a fixed budget.
func registerProviders(ctx context.Context) (map[string]provider.Client, error) {
	clients := map[string]provider.Client{}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c, err := anthropic.NewFromCredential(key)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		clients["anthropic"] = rateLimited(c)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c, err := openai.NewFromCredential(key)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		clients["openai"] = rateLimited(c)
	}

	if os.Getenv("TZGW_ENABLE_BEDROCK") != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("bedrock: loading AWS config: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		c, err := bedrock.New(runtime)
		if err != nil {
			return nil, fmt.Errorf("bedrock: %w", err)
		}
		clients["bedrock"] = rateLimited(c)
	}

	return clients, nil
}

func rateLimited(c provider.Client) provider.Client {
	return provider.NewAdaptiveRateLimiter(defaultProviderTPM, defaultProviderMaxTPM).Wrap(c)
}
