package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// cachedResponse is a previously-seen response kept for idempotent
// replay. Agents retry plan submissions aggressively on flaky local
// sockets; the Idempotency-Key header keeps a retried POST /plans from
// executing the plan twice.
type cachedResponse struct {
	status   int
	header   http.Header
	body     []byte
	cachedAt time.Time
}

// IdempotencyStore caches responses keyed by Idempotency-Key.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*cachedResponse
	ttl     time.Duration
}

// NewIdempotencyStore returns a store whose entries expire after ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	s := &IdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
	}
	go s.sweep()
	return s
}

func (s *IdempotencyStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for key, entry := range s.entries {
			if now.Sub(entry.cachedAt) > s.ttl {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

func (s *IdempotencyStore) get(key string) (*cachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || time.Since(entry.cachedAt) > s.ttl {
		return nil, false
	}
	return entry, true
}

func (s *IdempotencyStore) put(key string, status int, header http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cachedResponse{
		status:   status,
		header:   header,
		body:     body,
		cachedAt: time.Now(),
	}
}

// responseCapture duplicates the response for caching while streaming
// it to the client.
type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Middleware replays cached responses for repeated mutating requests
// carrying the same Idempotency-Key. Only 2xx responses are cached, so
// a rejected submission can be retried with the same key.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPatch {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if cached, ok := s.get(key); ok {
			for name, vals := range cached.header {
				for _, v := range vals {
					w.Header().Add(name, v)
				}
			}
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(cached.status)
			_, _ = w.Write(cached.body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)

		if capture.status >= 200 && capture.status < 300 {
			s.put(key, capture.status, w.Header().Clone(), capture.body.Bytes())
		}
	})
}
