package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/orbit/internal/auth"
	"github.com/codefionn/orbit/internal/config"
	"github.com/codefionn/orbit/internal/hub"
	"github.com/codefionn/orbit/internal/llm"
	"github.com/codefionn/orbit/internal/logger"
	"github.com/codefionn/orbit/internal/protocol"
	"github.com/codefionn/orbit/internal/state"
	"github.com/codefionn/orbit/internal/web"
)

var serveListen string

// serveCmd runs the control channel server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control channel server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	client, err := llm.NewClient(ctx, cfg.LLM.ProviderConfig())
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	service := llm.NewService(client, llm.ServiceConfig{
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		Timeout:      cfg.LLM.Timeout(),
	})

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled() {
		tlsConfig, err = web.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ClientCAFile)
		if err != nil {
			return err
		}
	}

	store := state.NewStore(state.Default())
	h := hub.New(hub.NewRegistry())
	engine := protocol.NewEngine(store, h, service, protocol.Options{
		Streaming:       cfg.Hub.Streaming,
		FramesPerSecond: cfg.Hub.FramesPerSecond,
		FrameBurst:      cfg.Hub.FrameBurst,
		PromptQueue:     cfg.Hub.PromptQueue,
	})

	server := web.NewServer(web.Options{
		Listen:        cfg.Listen,
		WebSocketPath: cfg.WebSocketPath,
		SendBuffer:    cfg.Hub.SendBuffer,
		MaxFrameBytes: cfg.Hub.MaxFrameBytes,
		TLS:           tlsConfig,
	}, verifier, h, engine)

	logger.Info("orbit %s starting (auth=%s, model=%s)", version, cfg.Auth.Mode, service.ModelName())
	return server.Run(ctx)
}

func newVerifier(cfg config.AuthConfig) (auth.Verifier, error) {
	switch cfg.Mode {
	case config.AuthModeToken:
		return auth.NewStaticTokenVerifier(cfg.Token, "operator")
	default:
		return auth.NewJWTVerifier([]byte(cfg.Secret),
			auth.WithIssuer(cfg.Issuer),
			auth.WithAudience(cfg.Audience),
			auth.WithLeeway(cfg.Leeway()),
		)
	}
}
