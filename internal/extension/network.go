package extension

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Network defaults, applied when the manifest config leaves them zero.
const (
	DefaultRateLimit    = 500 * time.Millisecond
	DefaultFetchTimeout = 30 * time.Second
	DefaultUserAgent    = "Ayoto-Extension-Host/1.0"

	// maxResponseBytes caps how much of a response body is read. Stream
	// provider pages are small; anything larger is a mistake or abuse.
	maxResponseBytes = 10 << 20
)

// Response is the result shape handed back for every fetch, including
// failed ones. Transport failures populate Error and leave Status zero;
// HTTP-level failures (4xx, 5xx) are successful fetches with OK false.
// Sandboxed callers therefore never see a thrown network error.
type Response struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// FetchOptions mirrors the option bag of the JS fetch binding.
type FetchOptions struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// FetchRequest pairs a URL with its options for batch calls.
type FetchRequest struct {
	URL     string       `json:"url"`
	Options FetchOptions `json:"options"`
}

// NetworkClient is the per-extension outbound HTTP surface. It enforces
// the permission gate, the manifest's domain allowlist, and a FIFO rate
// limit across all concurrent callers.
type NetworkClient struct {
	extID     string
	perms     *PermissionManager
	client    *http.Client
	logger    *slog.Logger
	allowed   []string
	userAgent string
	timeout   time.Duration
	interval  time.Duration

	mu     sync.Mutex
	nextAt time.Time
}

// NewNetworkClient builds the network surface for one extension from
// its manifest.
func NewNetworkClient(m *Manifest, perms *PermissionManager, logger *slog.Logger) *NetworkClient {
	interval := DefaultRateLimit
	if m.Config.RateLimitMS > 0 {
		interval = time.Duration(m.Config.RateLimitMS) * time.Millisecond
	}
	timeout := DefaultFetchTimeout
	if m.Config.TimeoutMS > 0 {
		timeout = time.Duration(m.Config.TimeoutMS) * time.Millisecond
	}
	userAgent := m.Config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkClient{
		extID:     m.ID,
		perms:     perms,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With("component", "network", "extension", m.ID),
		allowed:   m.Security.AllowedDomains,
		userAgent: userAgent,
		timeout:   timeout,
		interval:  interval,
	}
}

// domainAllowed checks a hostname against the allowlist. An empty list
// allows everything; "*.domain" patterns match any subdomain but not
// the apex.
func (nc *NetworkClient) domainAllowed(host string) bool {
	if len(nc.allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, pattern := range nc.allowed {
		pattern = strings.ToLower(pattern)
		if wild, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+wild) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// waitTurn reserves the next send slot and sleeps until it arrives.
// Slots are handed out in call order under the mutex, so concurrent
// callers go out FIFO with at least one interval between them.
func (nc *NetworkClient) waitTurn(ctx context.Context) error {
	nc.mu.Lock()
	now := time.Now()
	slot := nc.nextAt
	if slot.Before(now) {
		slot = now
	}
	nc.nextAt = slot.Add(nc.interval)
	nc.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func failure(rawURL, msg string) *Response {
	return &Response{URL: rawURL, Headers: map[string]string{}, Error: msg}
}

// Fetch performs one rate-limited HTTP request. It always returns a
// Response; every failure mode is encoded in it rather than returned as
// an error, matching the result-shaped contract of the JS binding.
func (nc *NetworkClient) Fetch(ctx context.Context, rawURL string, opts FetchOptions) *Response {
	resp := nc.fetch(ctx, rawURL, opts)
	outcome := "ok"
	switch {
	case resp.Error != "":
		outcome = "failed"
	case !resp.OK:
		outcome = "http_error"
	}
	getMetrics().fetchesTotal.WithLabelValues(outcome).Inc()
	return resp
}

func (nc *NetworkClient) fetch(ctx context.Context, rawURL string, opts FetchOptions) *Response {
	if !nc.perms.CanNetwork(nc.extID) {
		nc.logger.Warn("network call without permission", "url", rawURL)
		return failure(rawURL, ErrPermissionDenied.Error()+": network:http not granted")
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return failure(rawURL, fmt.Sprintf("invalid URL: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return failure(rawURL, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if !nc.domainAllowed(u.Hostname()) {
		nc.logger.Warn("blocked by domain allowlist", "url", rawURL, "host", u.Hostname())
		return failure(rawURL, fmt.Sprintf("%s: %s", ErrDomainBlocked.Error(), u.Hostname()))
	}

	if err := nc.waitTurn(ctx); err != nil {
		return failure(rawURL, fmt.Sprintf("request cancelled: %v", err))
	}

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return failure(rawURL, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("User-Agent", nc.userAgent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := nc.client.Do(req)
	if err != nil {
		nc.logger.Debug("fetch failed", "url", rawURL, "error", err)
		return failure(rawURL, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure(rawURL, fmt.Sprintf("read response body: %v", err))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	nc.logger.Debug("fetch completed",
		"url", rawURL, "status", resp.StatusCode, "bytes", len(data), "duration", time.Since(start))

	return &Response{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		URL:        resp.Request.URL.String(),
		Headers:    headers,
		Body:       string(data),
	}
}

// Get is shorthand for a GET fetch with optional headers.
func (nc *NetworkClient) Get(ctx context.Context, rawURL string, headers map[string]string) *Response {
	return nc.Fetch(ctx, rawURL, FetchOptions{Method: http.MethodGet, Headers: headers})
}

// Post is shorthand for a POST fetch with a body.
func (nc *NetworkClient) Post(ctx context.Context, rawURL, body string, headers map[string]string) *Response {
	return nc.Fetch(ctx, rawURL, FetchOptions{Method: http.MethodPost, Headers: headers, Body: body})
}

// All runs the requests concurrently and fails fast: the first response
// with a transport or policy failure cancels the remaining requests and
// is returned as the error. Results keep request order.
func (nc *NetworkClient) All(ctx context.Context, reqs []FetchRequest) ([]*Response, error) {
	results := make([]*Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			resp := nc.Fetch(gctx, r.URL, r.Options)
			results[i] = resp
			if resp.Error != "" {
				return fmt.Errorf("fetch %s: %s", r.URL, resp.Error)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AllSettled runs the requests concurrently and always returns every
// result, failures included, in request order.
func (nc *NetworkClient) AllSettled(ctx context.Context, reqs []FetchRequest) []*Response {
	results := make([]*Response, len(reqs))
	var wg sync.WaitGroup
	for i, r := range reqs {
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = nc.Fetch(ctx, r.URL, r.Options)
		}()
	}
	wg.Wait()
	return results
}
