package llm

const ollamaDefaultBaseURL = "http://localhost:11434"

// Ollama talks to a local model via /api/chat. No auth; longer default
// timeout because local inference is slow.
type Ollama struct {
	*httpClient
	baseURL string
	model   string
}

// NewOllama builds the client; empty fields take defaults.
func NewOllama(cfg Config) *Ollama {
	c := &Ollama{
		baseURL: orDefault(cfg.BaseURL, ollamaDefaultBaseURL),
		model:   orDefault(cfg.Model, "llama3.2"),
	}
	c.httpClient = newHTTPClient(c, secondsOr(cfg.TimeoutSec, 60), retriesOr(cfg.MaxRetries, 1))
	return c
}

func (c *Ollama) name() string { return "ollama" }

func (c *Ollama) headers() map[string]string { return map[string]string{} }

func (c *Ollama) buildRequest(messages []Message, opts ChatOptions) (string, map[string]any) {
	msgs := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
	}
	return c.baseURL + "/api/chat", map[string]any{
		"model":    c.model,
		"messages": msgs,
		"stream":   false,
		"options": map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}
}

func (c *Ollama) parseResponse(data map[string]any) *Response {
	out := &Response{Model: stringField(data, "model", c.model)}
	if msg, ok := data["message"].(map[string]any); ok {
		out.Content = stringField(msg, "content", "")
	}
	out.PromptTokens = intField(data, "prompt_eval_count")
	out.CompletionTokens = intField(data, "eval_count")
	return out
}
