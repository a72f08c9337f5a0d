package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPProvider opens engines against a landmark service over HTTP.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the HTTPProvider.
type Option func(*HTTPProvider)

// WithHTTPClient sets the HTTP client used for engine requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *HTTPProvider) {
		p.httpClient = client
	}
}

// WithAPIKey sets the bearer token sent with engine requests.
func WithAPIKey(key string) Option {
	return func(p *HTTPProvider) {
		p.apiKey = key
	}
}

// NewHTTPProvider creates a provider for the landmark service at baseURL.
func NewHTTPProvider(baseURL string, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open creates a new engine instance on the landmark service.
func (p *HTTPProvider) Open(ctx context.Context) (Engine, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/engines", nil, &created); err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("open engine: service returned no engine id")
	}
	return &httpEngine{provider: p, id: created.ID}, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrClosed
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("landmark service: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type httpEngine struct {
	provider *HTTPProvider
	id       string

	mu     sync.Mutex
	closed bool
}

func (e *httpEngine) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	if len(req.Frame) == 0 {
		return nil, fmt.Errorf("evaluate: empty frame")
	}
	body := struct {
		Frame     string `json:"frame"`
		Reference string `json:"reference,omitempty"`
	}{
		Frame:     base64.StdEncoding.EncodeToString(req.Frame),
		Reference: req.Reference,
	}
	var eval Evaluation
	if err := e.provider.do(ctx, http.MethodPost, "/v1/engines/"+e.id+"/frames", body, &eval); err != nil {
		return nil, err
	}
	return &eval, nil
}

func (e *httpEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := e.provider.do(ctx, http.MethodDelete, "/v1/engines/"+e.id, nil, nil)
	if err == ErrClosed {
		// The service already discarded the instance.
		return nil
	}
	return err
}

const closeTimeout = 5 * time.Second
