package llm

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// Anthropic is a Claude /messages client. The system message goes in a
// top-level field with an ephemeral cache breakpoint; the server caches
// the prompt prefix, which matters because the verifier sends the same
// system prompt on every plan.
type Anthropic struct {
	*httpClient
	apiKey  string
	baseURL string
	model   string
}

// NewAnthropic builds the client; empty fields take defaults.
func NewAnthropic(cfg Config) *Anthropic {
	c := &Anthropic{
		apiKey:  cfg.APIKey,
		baseURL: orDefault(cfg.BaseURL, anthropicDefaultBaseURL),
		model:   orDefault(cfg.Model, "claude-sonnet-4-20250514"),
	}
	c.httpClient = newHTTPClient(c, secondsOr(cfg.TimeoutSec, 30), retriesOr(cfg.MaxRetries, 2))
	return c
}

func (c *Anthropic) name() string { return "anthropic" }

func (c *Anthropic) headers() map[string]string {
	h := map[string]string{"anthropic-version": anthropicVersion}
	if c.apiKey != "" {
		h["x-api-key"] = c.apiKey
	}
	return h
}

func (c *Anthropic) buildRequest(messages []Message, opts ChatOptions) (string, map[string]any) {
	system := ""
	msgs := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
	}
	body := map[string]any{
		"model":       c.model,
		"messages":    msgs,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
	}
	if system != "" {
		body["system"] = []map[string]any{{
			"type":          "text",
			"text":          system,
			"cache_control": map[string]string{"type": "ephemeral"},
		}}
	}
	return c.baseURL + "/messages", body
}

func (c *Anthropic) parseResponse(data map[string]any) *Response {
	out := &Response{Model: stringField(data, "model", c.model)}
	if blocks, ok := data["content"].([]any); ok && len(blocks) > 0 {
		if block, ok := blocks[0].(map[string]any); ok {
			out.Content = stringField(block, "text", "")
		}
	}
	if usage, ok := data["usage"].(map[string]any); ok {
		out.PromptTokens = intField(usage, "input_tokens")
		out.CompletionTokens = intField(usage, "output_tokens")
		out.CacheCreationInputTokens = intField(usage, "cache_creation_input_tokens")
		out.CacheReadInputTokens = intField(usage, "cache_read_input_tokens")
	}
	return out
}
