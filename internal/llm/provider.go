package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Provider names accepted by NewClient
const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderAnthropic        = "anthropic"
	ProviderGoogle           = "google"
	ProviderNone             = "none"
)

// Providers lists every provider name NewClient accepts
var Providers = []string{ProviderOpenAI, ProviderOpenAICompatible, ProviderAnthropic, ProviderGoogle, ProviderNone}

// ProviderConfig selects and configures a backend
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// RequestsPerMinute and TokensPerMinute throttle outgoing calls; 0 disables
	RequestsPerMinute int
	TokensPerMinute   int
	// HTTPClient replaces the SDK transport, mostly for tests
	HTTPClient *http.Client
}

// ValidProvider reports whether name is a known provider
func ValidProvider(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}

// NewClient builds the client for cfg. A hosted provider without an API key
// yields the disabled client, so the server still runs with AI offline.
func NewClient(ctx context.Context, cfg ProviderConfig) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	apiKey := strings.TrimSpace(cfg.APIKey)

	var (
		client Client
		err    error
	)
	switch provider {
	case ProviderNone:
		return NewDisabledClient(cfg.Model), nil

	case ProviderOpenAICompatible:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("provider %s requires a base URL", provider)
		}
		client, err = NewOpenAIClient(apiKey, cfg.Model, openAIOpts(cfg)...)

	case ProviderOpenAI, "":
		if apiKey == "" {
			return NewDisabledClient(cfg.Model), nil
		}
		client, err = NewOpenAIClient(apiKey, cfg.Model, openAIOpts(cfg)...)

	case ProviderAnthropic:
		if apiKey == "" {
			return NewDisabledClient(cfg.Model), nil
		}
		opts := []AnthropicOption{WithAnthropicBaseURL(cfg.BaseURL)}
		if cfg.HTTPClient != nil {
			opts = append(opts, WithAnthropicHTTPClient(cfg.HTTPClient))
		}
		client, err = NewAnthropicClient(apiKey, cfg.Model, opts...)

	case ProviderGoogle:
		if apiKey == "" {
			return NewDisabledClient(cfg.Model), nil
		}
		var opts []GoogleOption
		if cfg.BaseURL != "" {
			opts = append(opts, WithGoogleBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, WithGoogleHTTPClient(cfg.HTTPClient))
		}
		client, err = NewGoogleAIClient(ctx, apiKey, cfg.Model, opts...)

	default:
		return nil, fmt.Errorf("unknown llm provider %q (want one of %s)", cfg.Provider, strings.Join(Providers, ", "))
	}
	if err != nil {
		return nil, err
	}

	return NewRateLimitedClient(client, cfg.RequestsPerMinute, cfg.TokensPerMinute), nil
}

func openAIOpts(cfg ProviderConfig) []OpenAIOption {
	opts := []OpenAIOption{WithOpenAIBaseURL(cfg.BaseURL)}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithOpenAIHTTPClient(cfg.HTTPClient))
	}
	return opts
}
