package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"goa.design/tzgw/client"
	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
)

// Config file parsing is explicitly out of scope (spec.md §1); function and
// variant declarations instead arrive as a single TZGW_FUNCTIONS_JSON
// environment variable, following the env-var-driven convention the rest of
// the gateway's ambient stack uses for credentials.

// fileFunction is the JSON shape one entry of TZGW_FUNCTIONS_JSON takes.
type fileFunction struct {
	Name              string                 `json:"name"`
	Kind              string                 `json:"kind"`
	Description       string                 `json:"description"`
	SystemSchema      json.RawMessage        `json:"system_schema"`
	UserSchema        json.RawMessage        `json:"user_schema"`
	AssistantSchema   json.RawMessage        `json:"assistant_schema"`
	OutputSchema      json.RawMessage        `json:"output_schema"`
	ToolNames         []string               `json:"tool_names"`
	ParallelToolCalls *bool                  `json:"parallel_tool_calls"`
	Variants          map[string]fileVariant `json:"variants"`
}

type fileVariant struct {
	Weight                float64 `json:"weight"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
	Provider              string  `json:"provider"`
	Model                 string  `json:"model"`
	NativeJSONMode        bool    `json:"native_json_mode"`
	CredentialEnv         string  `json:"credential_env"`
}

// gatewayConfig is everything loadConfig assembles into a client.AppState.
type gatewayConfig struct {
	state        client.AppState
	analyticsDSN string
	listenAddr   string
	adminToken   string
}

// loadConfig builds the gateway's AppState from environment variables and
// the providers registered by registerProviders. Credentials for each
// variant are resolved from the named environment variable at startup
// (provider.StaticCredential), matching the "environment variables via
// named config, location configurable per provider" knob spec.md §6
// describes.
func loadConfig(providers map[string]provider.Client) (gatewayConfig, error) {
	cfg := gatewayConfig{
		state: client.AppState{
			Functions:      map[string]*function.Function{},
			Tools:          map[string]function.Tool{},
			Providers:      providers,
			VariantTargets: map[string]map[string]client.VariantTarget{},
		},
		analyticsDSN: envOr("TZGW_ANALYTICS_DSN", "tzgw.sqlite"),
		listenAddr:   envOr("TZGW_LISTEN_ADDR", ":8088"),
		adminToken:   os.Getenv("TZGW_ADMIN_TOKEN"),
	}

	if timeoutSec := os.Getenv("TZGW_REQUEST_TIMEOUT_SECONDS"); timeoutSec != "" {
		var secs int
		if _, err := fmt.Sscanf(timeoutSec, "%d", &secs); err == nil && secs > 0 {
			cfg.state.Timeout = time.Duration(secs) * time.Second
		}
	}

	raw := os.Getenv("TZGW_FUNCTIONS_JSON")
	if raw == "" {
		return cfg, nil
	}

	var fileFns []fileFunction
	if err := json.Unmarshal([]byte(raw), &fileFns); err != nil {
		return gatewayConfig{}, fmt.Errorf("parsing TZGW_FUNCTIONS_JSON: %w", err)
	}

	for _, ff := range fileFns {
		fn, targets, err := buildFunction(ff)
		if err != nil {
			return gatewayConfig{}, fmt.Errorf("function %q: %w", ff.Name, err)
		}
		cfg.state.Functions[fn.Name] = fn
		cfg.state.VariantTargets[fn.Name] = targets
	}
	return cfg, nil
}

func buildFunction(ff fileFunction) (*function.Function, map[string]client.VariantTarget, error) {
	var kind function.Kind
	switch ff.Kind {
	case "chat":
		kind = function.KindChat
	case "json":
		kind = function.KindJSON
	default:
		return nil, nil, fmt.Errorf("unknown function kind %q", ff.Kind)
	}

	schemas, err := schema.CompileSchemas(ff.SystemSchema, ff.UserSchema, ff.AssistantSchema)
	if err != nil {
		return nil, nil, fmt.Errorf("compiling schemas: %w", err)
	}

	fn := &function.Function{
		Name:              ff.Name,
		Kind:              kind,
		Description:       ff.Description,
		Schemas:           schemas,
		ToolNames:         ff.ToolNames,
		ParallelToolCalls: ff.ParallelToolCalls,
		OutputSchema:      ff.OutputSchema,
		Variants:          map[string]function.VariantInfo{},
	}

	targets := map[string]client.VariantTarget{}
	for name, v := range ff.Variants {
		fn.Variants[name] = function.VariantInfo{
			Weight:         v.Weight,
			RequestTimeout: time.Duration(v.RequestTimeoutSeconds) * time.Second,
		}
		var cred provider.Credential
		if v.CredentialEnv != "" {
			cred = provider.StaticCredential(os.Getenv(v.CredentialEnv))
		} else {
			cred = provider.NoCredential()
		}
		targets[name] = client.VariantTarget{
			ProviderName:   v.Provider,
			ModelID:        v.Model,
			Credential:     cred,
			NativeJSONMode: v.NativeJSONMode,
		}
	}

	if err := fn.Validate(); err != nil {
		return nil, nil, err
	}
	return fn, targets, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
