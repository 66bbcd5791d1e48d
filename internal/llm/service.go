package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/orbit/internal/consts"
	"github.com/codefionn/orbit/internal/logger"
)

// DefaultSystemPrompt is the operator-assistant persona
const DefaultSystemPrompt = "You are ORBIT, the central AI of a cloud development platform. " +
	"Your mission is to assist the developer. You are concise, technical and a little cynical (sci-fi style). " +
	"If asked for technical help, give it. If asked to execute commands, say you do not have hands yet."

// ServiceConfig configures a Service
type ServiceConfig struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// Timeout bounds one completion; 0 uses consts.Timeout60Seconds
	Timeout time.Duration
}

// Service turns a single prompt into a completion with the configured
// persona and limits. It satisfies the control channel's completer
// interfaces.
type Service struct {
	client Client
	cfg    ServiceConfig
	log    *logger.Logger
}

// NewService wraps client
func NewService(client Client, cfg ServiceConfig) *Service {
	if client == nil {
		client = NewDisabledClient("")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = consts.DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = consts.Timeout60Seconds
	}

	s := &Service{
		client: client,
		cfg:    cfg,
		log:    logger.Global().WithPrefix("llm"),
	}
	if errors.Is(s.configured(), ErrNotConfigured) {
		s.log.Warn("No API key configured; AI features are disabled")
	} else {
		s.log.Info("AI brain initialized (model %s)", client.GetModelName())
	}
	return s
}

// configured reports ErrNotConfigured for the disabled client without a network call
func (s *Service) configured() error {
	if _, ok := s.client.(*disabledClient); ok {
		return ErrNotConfigured
	}
	return nil
}

// Enabled reports whether a real backend is configured
func (s *Service) Enabled() bool {
	return s.configured() == nil
}

// ModelName returns the backend model
func (s *Service) ModelName() string {
	return s.client.GetModelName()
}

// Complete returns the full response to prompt
func (s *Service) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := s.client.CompleteWithRequest(ctx, s.request(prompt))
	if err != nil {
		return "", s.wrap(err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// CompleteStream forwards response fragments to onChunk as they arrive and
// returns the full text
func (s *Service) CompleteStream(ctx context.Context, prompt string, onChunk func(chunk string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var full strings.Builder
	err := s.client.Stream(ctx, s.request(prompt), func(chunk string) error {
		full.WriteString(chunk)
		return onChunk(chunk)
	})
	if err != nil {
		return full.String(), s.wrap(err)
	}
	return strings.TrimSpace(full.String()), nil
}

func (s *Service) request(prompt string) *CompletionRequest {
	return &CompletionRequest{
		Messages: []*Message{
			{Role: "user", Content: prompt},
		},
		SystemPrompt: s.cfg.SystemPrompt,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	}
}

func (s *Service) wrap(err error) error {
	if errors.Is(err, ErrNotConfigured) {
		return err
	}
	s.log.Error("AI error: %v", err)
	return fmt.Errorf("%s: %w", s.client.GetModelName(), err)
}
