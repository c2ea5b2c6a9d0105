package aigateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRateLimited is returned on HTTP 429 so the sampler can widen intervals
var ErrRateLimited = errors.New("provider rate limited")

// PromptRequest is the provider-neutral request shape
type PromptRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// PromptResponse is the provider-neutral response shape
type PromptResponse struct {
	Text  string
	Usage Usage
}

// Provider generates one completion. Implementations: ChatProvider
// (role-tagged chat, 30 s) and DeepProvider (deep thinking, 60 s).
type Provider interface {
	Generate(ctx context.Context, req PromptRequest) (*PromptResponse, error)
	Name() string
}

// ProviderConfig configures either provider implementation
type ProviderConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// chatMessage is one turn in a chat-completion request
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		CacheReadTokens  int `json:"cache_read_tokens"`
		CacheWriteTokens int `json:"cache_write_tokens"`
	} `json:"usage"`
}

// ChatProvider speaks conventional role-tagged chat completion
type ChatProvider struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

// NewChatProvider creates the conventional chat provider
func NewChatProvider(cfg ProviderConfig) *ChatProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ChatProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Provider
func (p *ChatProvider) Name() string { return "chat" }

// Generate implements Provider
func (p *ChatProvider) Generate(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})

	return post(ctx, p.httpClient, p.cfg, chatRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
}

// DeepProvider is the deep-thinking provider: longer read timeout, the
// system prompt sent as a leading user turn with a confirming model turn,
// and fixed nucleus/top-k generation settings.
type DeepProvider struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

// NewDeepProvider creates the deep-thinking provider
func NewDeepProvider(cfg ProviderConfig) *DeepProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &DeepProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Provider
func (p *DeepProvider) Name() string { return "deepthink" }

// Generate implements Provider
func (p *DeepProvider) Generate(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages,
			chatMessage{Role: "user", Content: req.SystemPrompt},
			chatMessage{Role: "assistant", Content: "Understood. I will follow these instructions."},
		)
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})

	return post(ctx, p.httpClient, p.cfg, chatRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        0.95,
		TopK:        40,
	})
}

func post(ctx context.Context, client *http.Client, cfg ProviderConfig, body chatRequest) (*PromptResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, string(raw))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider error (status %d): %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse provider response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	log.Debug().
		Str("model", body.Model).
		Int("prompt_tokens", parsed.Usage.PromptTokens).
		Int("completion_tokens", parsed.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("Provider call completed")

	return &PromptResponse{
		Text: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			CacheReadTokens:  parsed.Usage.CacheReadTokens,
			CacheWriteTokens: parsed.Usage.CacheWriteTokens,
		},
	}, nil
}
