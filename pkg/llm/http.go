package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// provider supplies the vendor-specific parts of a chat call; the
// shared transport handles retries, timing, and error wrapping.
type provider interface {
	name() string
	headers() map[string]string
	buildRequest(messages []Message, opts ChatOptions) (url string, body map[string]any)
	parseResponse(data map[string]any) *Response
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// httpClient is the retrying transport shared by every HTTP provider.
type httpClient struct {
	provider   provider
	http       *http.Client
	maxRetries int
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	clock      func() time.Time
}

func newHTTPClient(p provider, timeout time.Duration, maxRetries int) *httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		provider:   p,
		http:       &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     slog.Default(),
		sleep:      sleepCtx,
		clock:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDelay is exponential: 1s, 2s, 4s, capped at 30s.
func backoffDelay(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (c *httpClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error) {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 2048
	}
	url, body := c.provider.buildRequest(messages, opts)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.provider.name(), err)
	}

	start := c.clock()
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := c.post(ctx, url, payload)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries {
				c.logger.Warn("llm provider retry",
					"provider", c.provider.name(), "attempt", attempt+1, "error", err)
				if err := c.sleep(ctx, backoffDelay(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			break
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if retryableStatus[resp.StatusCode] && attempt < c.maxRetries {
			c.logger.Warn("llm provider retry",
				"provider", c.provider.name(), "status", resp.StatusCode, "attempt", attempt+1)
			if err := c.sleep(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: status %d: %s",
				c.provider.name(), resp.StatusCode, clipBody(data))
		}

		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", c.provider.name(), err)
		}
		out := c.provider.parseResponse(parsed)
		out.LatencyMS = float64(c.clock().Sub(start).Microseconds()) / 1000.0
		out.Raw = parsed
		return out, nil
	}
	return nil, fmt.Errorf("%s: request failed after %d attempt(s): %w",
		c.provider.name(), c.maxRetries+1, lastErr)
}

func (c *httpClient) post(ctx context.Context, url string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.provider.headers() {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

func (c *httpClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func clipBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
