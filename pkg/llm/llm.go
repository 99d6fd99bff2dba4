// Package llm provides the vendor-neutral chat client used by the
// intent verification layer. Providers are thin HTTP adapters over a
// shared retrying transport; no vendor SDKs are pulled in.
package llm

import (
	"context"
	"fmt"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatOptions tune one completion request. Zero values take provider
// defaults (temperature 0, 2048 tokens).
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// Response is the structured result of a chat call.
type Response struct {
	Content          string         `json:"content"`
	Model            string         `json:"model"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	LatencyMS        float64        `json:"latency_ms"`
	Raw              map[string]any `json:"-"`
	// Anthropic prompt caching metrics, zero for other providers.
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Client is the contract every provider implements. Implementations
// must be safe for concurrent use.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error)
	Close() error
}

// NullClient is used when intent verification is disabled: it always
// approves so the pipeline continues without a model call.
type NullClient struct{}

func (NullClient) Chat(context.Context, []Message, ChatOptions) (*Response, error) {
	return &Response{
		Content: `{"verdict": "approve", "risk_level": "low", "reasoning": "Verification disabled."}`,
		Model:   "null",
	}, nil
}

func (NullClient) Close() error { return nil }

// Config selects and configures a provider.
type Config struct {
	Provider   string  `yaml:"provider"` // "openai", "anthropic", "ollama", "null"
	APIKey     string  `yaml:"api_key"`
	BaseURL    string  `yaml:"base_url"`
	Model      string  `yaml:"model"`
	TimeoutSec float64 `yaml:"timeout_seconds"`
	MaxRetries int     `yaml:"max_retries"`
}

// New builds the client named by cfg.Provider.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", "null":
		return NullClient{}, nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
