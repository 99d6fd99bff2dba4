package llm

import (
	"strings"
	"time"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAI is an OpenAI-compatible chat completion client; it also serves
// Azure and any gateway speaking the /chat/completions dialect.
type OpenAI struct {
	*httpClient
	apiKey  string
	baseURL string
	model   string
}

// NewOpenAI builds the client; empty fields take defaults.
func NewOpenAI(cfg Config) *OpenAI {
	c := &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(orDefault(cfg.BaseURL, openAIDefaultBaseURL), "/"),
		model:   orDefault(cfg.Model, "gpt-4o-mini"),
	}
	c.httpClient = newHTTPClient(c, secondsOr(cfg.TimeoutSec, 30), retriesOr(cfg.MaxRetries, 2))
	return c
}

func (c *OpenAI) name() string { return "openai" }

func (c *OpenAI) headers() map[string]string {
	h := map[string]string{}
	if c.apiKey != "" {
		h["Authorization"] = "Bearer " + c.apiKey
	}
	return h
}

func (c *OpenAI) buildRequest(messages []Message, opts ChatOptions) (string, map[string]any) {
	msgs := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
	}
	return c.baseURL + "/chat/completions", map[string]any{
		"model":       c.model,
		"messages":    msgs,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
	}
}

func (c *OpenAI) parseResponse(data map[string]any) *Response {
	out := &Response{Model: stringField(data, "model", c.model)}
	if choices, ok := data["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				out.Content = stringField(msg, "content", "")
			}
		}
	}
	if usage, ok := data["usage"].(map[string]any); ok {
		out.PromptTokens = intField(usage, "prompt_tokens")
		out.CompletionTokens = intField(usage, "completion_tokens")
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func secondsOr(v, def float64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v * float64(time.Second))
}

func retriesOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func stringField(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}
