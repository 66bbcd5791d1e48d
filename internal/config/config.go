package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/codefionn/orbit/internal/consts"
	"github.com/codefionn/orbit/internal/llm"
	"github.com/codefionn/orbit/internal/logger"
)

// Auth modes
const (
	AuthModeJWT   = "jwt"
	AuthModeToken = "token"
)

// Config is the server configuration. Values come from DefaultConfig, then
// the JSON file, then the environment.
type Config struct {
	Listen        string `json:"listen"         env:"ORBIT_LISTEN"`
	WebSocketPath string `json:"websocket_path" env:"ORBIT_WS_PATH"`

	TLS  TLSConfig  `json:"tls"  envPrefix:"ORBIT_TLS_"`
	Auth AuthConfig `json:"auth"`
	Hub  HubConfig  `json:"hub"  envPrefix:"ORBIT_HUB_"`
	LLM  LLMConfig  `json:"llm"`

	LogLevel string `json:"log_level" env:"ORBIT_LOG_LEVEL"`
	LogPath  string `json:"log_path"  env:"ORBIT_LOG_PATH"`
}

// TLSConfig enables TLS when CertFile and KeyFile are set, and client
// certificate verification when ClientCAFile is set
type TLSConfig struct {
	CertFile     string `json:"cert_file"      env:"CERT_FILE"`
	KeyFile      string `json:"key_file"       env:"KEY_FILE"`
	ClientCAFile string `json:"client_ca_file" env:"CLIENT_CA_FILE"`
}

// Enabled reports whether the server should serve TLS
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// AuthConfig configures credential verification
type AuthConfig struct {
	Mode string `json:"mode" env:"ORBIT_AUTH_MODE"`
	// Secret is the HS256 key for jwt mode
	Secret        string `json:"secret"         env:"MCP_SECRET"`
	Issuer        string `json:"issuer"         env:"ORBIT_AUTH_ISSUER"`
	Audience      string `json:"audience"       env:"ORBIT_AUTH_AUDIENCE"`
	LeewaySeconds int    `json:"leeway_seconds" env:"ORBIT_AUTH_LEEWAY_SECONDS"`
	// Token is the shared token for token mode
	Token string `json:"token" env:"ORBIT_AUTH_TOKEN"`
}

// Leeway returns the allowed clock skew
func (a AuthConfig) Leeway() time.Duration {
	return time.Duration(a.LeewaySeconds) * time.Second
}

// HubConfig tunes sessions and the protocol engine
type HubConfig struct {
	SendBuffer      int     `json:"send_buffer"       env:"SEND_BUFFER"`
	MaxFrameBytes   int64   `json:"max_frame_bytes"   env:"MAX_FRAME_BYTES"`
	FramesPerSecond float64 `json:"frames_per_second" env:"FRAMES_PER_SECOND"`
	FrameBurst      int     `json:"frame_burst"       env:"FRAME_BURST"`
	PromptQueue     int     `json:"prompt_queue"      env:"PROMPT_QUEUE"`
	Streaming       bool    `json:"streaming"         env:"STREAMING"`
}

// LLMConfig selects the completion backend
type LLMConfig struct {
	Provider          string  `json:"provider"            env:"ORBIT_LLM_PROVIDER"`
	Model             string  `json:"model"               env:"ORBIT_LLM_MODEL"`
	APIKey            string  `json:"api_key"             env:"ORBIT_LLM_API_KEY"`
	BaseURL           string  `json:"base_url"            env:"ORBIT_LLM_BASE_URL"`
	SystemPrompt      string  `json:"system_prompt"       env:"ORBIT_LLM_SYSTEM_PROMPT"`
	MaxTokens         int     `json:"max_tokens"          env:"ORBIT_LLM_MAX_TOKENS"`
	Temperature       float64 `json:"temperature"         env:"ORBIT_LLM_TEMPERATURE"`
	TimeoutSeconds    int     `json:"timeout_seconds"     env:"ORBIT_LLM_TIMEOUT_SECONDS"`
	RequestsPerMinute int     `json:"requests_per_minute" env:"ORBIT_LLM_REQUESTS_PER_MINUTE"`
	TokensPerMinute   int     `json:"tokens_per_minute"   env:"ORBIT_LLM_TOKENS_PER_MINUTE"`

	// Provider keys under their conventional environment names
	OpenAIAPIKey    string `json:"-" env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `json:"-" env:"ANTHROPIC_API_KEY"`
	GeminiAPIKey    string `json:"-" env:"GEMINI_API_KEY"`
}

// ResolvedAPIKey returns APIKey, falling back to the provider's
// conventional environment variable
func (l LLMConfig) ResolvedAPIKey() string {
	if l.APIKey != "" {
		return l.APIKey
	}
	switch strings.ToLower(strings.TrimSpace(l.Provider)) {
	case llm.ProviderAnthropic:
		return l.AnthropicAPIKey
	case llm.ProviderGoogle:
		return l.GeminiAPIKey
	case llm.ProviderOpenAI, "":
		return l.OpenAIAPIKey
	default:
		return ""
	}
}

// Timeout returns the per-completion timeout
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// ProviderConfig converts to the llm factory input
func (l LLMConfig) ProviderConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:          l.Provider,
		Model:             l.Model,
		APIKey:            l.ResolvedAPIKey(),
		BaseURL:           l.BaseURL,
		RequestsPerMinute: l.RequestsPerMinute,
		TokensPerMinute:   l.TokensPerMinute,
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:        ":8000",
		WebSocketPath: "/ws/mcp",
		Auth: AuthConfig{
			Mode:          AuthModeJWT,
			LeewaySeconds: 5,
		},
		Hub: HubConfig{
			SendBuffer:      consts.DefaultSendBuffer,
			MaxFrameBytes:   consts.MaxFrameSize,
			FramesPerSecond: consts.DefaultFramesPerSecond,
			FrameBurst:      consts.DefaultFrameBurst,
			PromptQueue:     consts.DefaultPromptQueue,
			Streaming:       true,
		},
		LLM: LLMConfig{
			Provider:       llm.ProviderOpenAI,
			Model:          "gpt-4o-mini",
			SystemPrompt:   llm.DefaultSystemPrompt,
			MaxTokens:      consts.DefaultMaxTokens,
			TimeoutSeconds: int(consts.Timeout60Seconds / time.Second),
		},
		LogLevel: "info",
		LogPath:  logger.StderrPath,
	}
}

// Load loads configuration from path, then applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	// Start with default config
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Unmarshal into default config (overrides only provided fields)
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws/mcp"
	}
	return config, nil
}

// Validate checks the configuration for settings the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("websocket_path %q must start with /", c.WebSocketPath))
	}

	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret (MCP_SECRET) is required in jwt mode"))
		}
	case AuthModeToken:
		if c.Auth.Token == "" {
			errs = append(errs, errors.New("auth.token is required in token mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth mode %q", c.Auth.Mode))
	}
	if c.Auth.LeewaySeconds < 0 {
		errs = append(errs, errors.New("auth.leeway_seconds must not be negative"))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.TLS.ClientCAFile != "" && !c.TLS.Enabled() {
		errs = append(errs, errors.New("tls.client_ca_file requires tls.cert_file and tls.key_file"))
	}

	if c.Hub.SendBuffer <= 0 {
		errs = append(errs, errors.New("hub.send_buffer must be positive"))
	}
	if c.Hub.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("hub.max_frame_bytes must be positive"))
	}
	if c.Hub.FramesPerSecond < 0 {
		errs = append(errs, errors.New("hub.frames_per_second must not be negative"))
	}
	if c.Hub.PromptQueue <= 0 {
		errs = append(errs, errors.New("hub.prompt_queue must be positive"))
	}

	if !llm.ValidProvider(c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("unknown llm provider %q (want one of %s)", c.LLM.Provider, strings.Join(llm.Providers, ", ")))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be positive"))
	}

	return errors.Join(errs...)
}
