package funding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const statusTimeout = 10 * time.Second

// HTTPError carries a non-2xx answer from a backend.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// restClient talks JSON to one backend endpoint. Short calls use client;
// payment submission uses payClient, which has no timeout.
type restClient struct {
	baseURL   string
	headers   map[string]string
	client    *http.Client
	payClient *http.Client
}

func newRESTClient(baseURL string, headers map[string]string, transport http.RoundTripper) *restClient {
	return &restClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		headers:   headers,
		client:    &http.Client{Timeout: statusTimeout, Transport: transport},
		payClient: &http.Client{Transport: transport},
	}
}

func (c *restClient) do(ctx context.Context, hc *http.Client, method, path string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorDetail(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// errorDetail extracts {"detail": ...}, {"message": ...} or {"error": ...}
// from an error body, falling back to the raw text.
func errorDetail(raw []byte) string {
	var env struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		switch {
		case env.Detail != nil:
			if s, ok := env.Detail.(string); ok {
				return s
			}
			b, _ := json.Marshal(env.Detail)
			return string(b)
		case env.Message != "":
			return env.Message
		case env.Error != "":
			return env.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// failover spreads calls over several endpoints of the same node, moving to
// the next one after failThreshold consecutive failures.
type failover struct {
	clients       []*restClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func newFailover(clients []*restClient, failThreshold int) (*failover, error) {
	if len(clients) == 0 {
		return nil, errors.New("endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &failover{clients: clients, failThreshold: failThreshold}, nil
}

func (f *failover) current() (*restClient, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[f.index], f.index
}

// call runs fn against endpoints until one answers. HTTP errors are answers:
// only transport failures count towards rotation.
func (f *failover) call(fn func(c *restClient) error) error {
	var lastErr error
	for attempts := 0; attempts < len(f.clients); attempts++ {
		client, idx := f.current()
		err := fn(client)
		var httpErr *HTTPError
		if err == nil || errors.As(err, &httpErr) {
			f.resetFailures(idx)
			return err
		}
		lastErr = err
		if !f.noteFailure(idx) {
			break
		}
	}
	return lastErr
}

func (f *failover) resetFailures(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == idx {
		f.failCount = 0
	}
}

// noteFailure reports whether the caller should try the next endpoint.
func (f *failover) noteFailure(idx int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != idx {
		return true
	}
	f.failCount++
	if f.failCount >= f.failThreshold && len(f.clients) > 1 {
		f.index = (f.index + 1) % len(f.clients)
		f.failCount = 0
		return true
	}
	return false
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
