package external

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"
)

const (
	// maxResponseSize prevents OOM on unexpectedly large unary responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error bodies in error messages to avoid log bloat.
	maxErrorBodyLen = 500

	// maxErrorBodyRead bounds how much of an error body is kept for classification.
	maxErrorBodyRead = 64 * 1024

	streamPath         = "/v1internal:streamGenerateContent?alt=sse"
	loadCodeAssistPath = "/v1internal:loadCodeAssist"
	modelsPath         = "/v1beta/models"
)

// loadCodeAssistBody identifies the caller as the desktop IDE.
const loadCodeAssistBody = `{"metadata":{"ideType":"ANTIGRAVITY","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`

// fallbackPhrases in a 400/404 body mean the next endpoint may still serve the model.
var fallbackPhrases = []string{
	"requested model is currently unavailable",
	"not found",
}

// Options configures a Client.
type Options struct {
	Endpoints []string // tried in order; defaults to DefaultEndpoints()
	UserAgent string
	Timeout   time.Duration // unary calls only

	// HTTPClient overrides the client used when no proxy is set (useful for testing).
	HTTPClient *http.Client
}

// Client talks to the Antigravity backend. It is safe for concurrent use.
type Client struct {
	endpoints []string
	userAgent string
	timeout   time.Duration
	base      *http.Client

	mu       sync.Mutex
	proxied  map[string]*http.Client // proxy URL -> client
	projects map[string]string       // credential id -> resolved project

	group singleflight.Group
	newID func() string
}

// NewClient creates a backend client.
func NewClient(opts Options) *Client {
	endpoints := make([]string, 0, len(opts.Endpoints))
	for _, e := range opts.Endpoints {
		if e = strings.TrimRight(strings.TrimSpace(e), "/"); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints()
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Transport: newTransport(nil)} // timeout via context, not client
	}

	return &Client{
		endpoints: endpoints,
		userAgent: userAgent,
		timeout:   timeout,
		base:      base,
		proxied:   make(map[string]*http.Client),
		projects:  make(map[string]string),
		newID:     uuid.NewString,
	}
}

// Endpoints returns the endpoint list in the order it is tried.
func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

func newTransport(proxy *url.URL) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}

// httpClient returns the client for proxyURL, creating its transport once.
func (c *Client) httpClient(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return c.base, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.proxied[proxyURL]; ok {
		return hc, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url has no host")
	}

	hc := &http.Client{Transport: newTransport(u)}
	c.proxied[proxyURL] = hc
	return hc, nil
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("requestType", "agent")
}

// =============================================================================
// GENERATE
// =============================================================================

// Stream is an open backend SSE stream. The caller must close Body.
type Stream struct {
	Body      io.ReadCloser
	Endpoint  string
	RequestID string
}

// StreamGenerate opens a streamGenerateContent call, falling back to the next
// endpoint on transport errors, 429, and "not found" answers.
func (c *Client) StreamGenerate(ctx context.Context, p GenerateParams) (*Stream, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid generate params: %w", err)
	}

	requestID := "req-" + c.newID()
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = "sess-" + c.newID()
	}
	body, err := buildEnvelope(p, requestID, sessionID)
	if err != nil {
		return nil, err
	}
	hc, err := c.httpClient(p.ProxyURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, base := range c.endpoints {
		hasNext := i+1 < len(c.endpoints)

		log.Debug().
			Str("endpoint", base).
			Str("model", p.Model).
			Str("project", p.Project).
			Str("request_id", requestID).
			Msg("sending backend request")

		resp, err := c.send(ctx, hc, http.MethodPost, base+streamPath, p.AccessToken, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = fmt.Errorf("backend request to %s failed: %w", base, err)
			if hasNext {
				log.Warn().Err(err).Str("endpoint", base).Msg("backend unreachable, trying next endpoint")
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			rc, err := decodedBody(resp)
			if err != nil {
				_ = resp.Body.Close()
				return nil, fmt.Errorf("failed to decode backend stream: %w", err)
			}
			return &Stream{Body: rc, Endpoint: base, RequestID: requestID}, nil
		}

		herr := readHTTPError(resp, base)
		lastErr = herr
		if hasNext && shouldFallback(herr.Status, herr.Body) {
			log.Warn().Int("status", herr.Status).Str("endpoint", base).Msg("backend refused request, trying next endpoint")
			continue
		}
		return nil, herr
	}
	return nil, lastErr
}

// buildEnvelope wraps the inner payload in the backend envelope.
func buildEnvelope(p GenerateParams, requestID, sessionID string) ([]byte, error) {
	var inner []byte
	switch v := p.Request.(type) {
	case json.RawMessage:
		inner = v
	case []byte:
		inner = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		inner = b
	}

	env := []byte(`{}`)
	fields := []struct{ path, value string }{
		{"project", p.Project},
		{"requestId", requestID},
		{"model", p.Model},
		{"userAgent", "antigravity"},
		{"requestType", "agent"},
		{"sessionId", sessionID},
	}
	var err error
	for _, f := range fields {
		if env, err = sjson.SetBytes(env, f.path, f.value); err != nil {
			return nil, fmt.Errorf("failed to build envelope: %w", err)
		}
	}
	if env, err = sjson.SetRawBytes(env, "request", inner); err != nil {
		return nil, fmt.Errorf("failed to build envelope: %w", err)
	}
	return env, nil
}

func shouldFallback(status int, body string) bool {
	switch status {
	case http.StatusTooManyRequests:
		return true
	case http.StatusBadRequest, http.StatusNotFound:
		lower := strings.ToLower(body)
		for _, phrase := range fallbackPhrases {
			if strings.Contains(lower, phrase) {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// UNARY CALLS
// =============================================================================

func (c *Client) send(ctx context.Context, hc *http.Client, method, target, accessToken string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	c.setHeaders(req, accessToken)
	return hc.Do(req)
}

// call performs a bounded request and returns the decoded body of a 2xx answer.
func (c *Client) call(ctx context.Context, hc *http.Client, method, target, accessToken string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.send(ctx, hc, method, target, accessToken, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readHTTPError(resp, target)
	}
	rc, err := decodedBody(resp)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxResponseSize))
}

// FetchModels lists the models the backend serves for this credential.
func (c *Client) FetchModels(ctx context.Context, accessToken, proxyURL string) ([]ModelInfo, error) {
	hc, err := c.httpClient(proxyURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, base := range c.endpoints {
		data, err := c.call(ctx, hc, http.MethodGet, base+modelsPath, accessToken, nil)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", base).Msg("model list failed")
			lastErr = err
			continue
		}

		created := time.Now().Unix()
		models := []ModelInfo{}
		gjson.GetBytes(data, "models").ForEach(func(_, m gjson.Result) bool {
			id := m.Get("name").String()
			if id == "" {
				id = m.Get("id").String()
			}
			if id != "" {
				models = append(models, ModelInfo{ID: id, Object: "model", Created: created, OwnedBy: "google"})
			}
			return true
		})
		return models, nil
	}
	return nil, fmt.Errorf("model list unavailable: %w", lastErr)
}

// ResolveProject returns the backend project for a credential that has none
// configured. Lookups are cached and collapsed per credential; when the lookup
// fails a random "ag-" project is returned and nothing is cached. The shared
// lookup outlives any single caller, so one disconnecting client does not
// fail the others waiting on it.
func (c *Client) ResolveProject(ctx context.Context, credentialID, accessToken, proxyURL string) string {
	c.mu.Lock()
	project, ok := c.projects[credentialID]
	c.mu.Unlock()
	if ok {
		return project
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(credentialID, func() (any, error) {
		project, err := c.loadCodeAssist(flightCtx, accessToken, proxyURL)
		if err != nil {
			log.Warn().Err(err).Str("credential", credentialID).Msg("project lookup failed, using a generated project")
			return "", nil
		}
		c.mu.Lock()
		c.projects[credentialID] = project
		c.mu.Unlock()
		log.Info().Str("credential", credentialID).Str("project", project).Msg("resolved backend project")
		return project, nil
	})

	select {
	case res := <-ch:
		if project, _ := res.Val.(string); project != "" {
			return project
		}
	case <-ctx.Done():
	}
	return "ag-" + strings.ReplaceAll(c.newID(), "-", "")[:16]
}

func (c *Client) loadCodeAssist(ctx context.Context, accessToken, proxyURL string) (string, error) {
	hc, err := c.httpClient(proxyURL)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, base := range c.endpoints {
		data, err := c.call(ctx, hc, http.MethodPost, base+loadCodeAssistPath, accessToken, []byte(loadCodeAssistBody))
		if err != nil {
			lastErr = err
			continue
		}
		project := gjson.GetBytes(data, "cloudaicompanionProject")
		if project.Type == gjson.String && project.String() != "" {
			return project.String(), nil
		}
		if id := project.Get("id").String(); id != "" {
			return id, nil
		}
		lastErr = fmt.Errorf("loadCodeAssist response from %s has no project", base)
	}
	return "", lastErr
}

// =============================================================================
// BODIES
// =============================================================================

type gzipBody struct {
	*gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Close() error {
	_ = g.Reader.Close()
	return g.body.Close()
}

// decodedBody undoes gzip content encoding. Setting Accept-Encoding by hand
// turns off the transport's transparent decompression.
func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid gzip body: %w", err)
	}
	return &gzipBody{Reader: zr, body: resp.Body}, nil
}

func readHTTPError(resp *http.Response, endpoint string) *HTTPError {
	herr := &HTTPError{
		Status:     resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
		Endpoint:   endpoint,
	}
	rc, err := decodedBody(resp)
	if err != nil {
		rc = resp.Body
	}
	data, _ := io.ReadAll(io.LimitReader(rc, maxErrorBodyRead))
	_ = rc.Close()
	herr.Body = string(data)
	return herr
}
