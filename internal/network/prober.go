package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/flagrunner/internal/config"
)

// ProbeRequest is one outbound HTTP request issued on behalf of the executor.
type ProbeRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout time.Duration     `json:"-"`
}

// ProbeResponse is the captured result of a probe.
type ProbeResponse struct {
	URL        string
	Proto      string
	StatusCode int
	Status     string
	Header     http.Header
	Body       string
	Truncated  bool
	Duration   time.Duration
}

// Render formats the response like `curl -i`: status line, headers (sorted,
// every Set-Cookie on its own line), blank line, body.
func (r *ProbeResponse) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.Proto, r.Status)

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range r.Header[name] {
			fmt.Fprintf(&b, "%s: %s\n", name, v)
		}
	}
	b.WriteString("\n")
	b.WriteString(r.Body)
	if r.Truncated {
		b.WriteString("\n[body truncated]")
	}
	return b.String()
}

// Prober sends scoped, rate-limited requests to the target.
type Prober struct {
	client         *Client
	base           *url.URL
	scope          *ScopeGuard
	limiter        *rate.Limiter
	defaultHeaders map[string]string
	bodyLimit      int
	logger         *zap.Logger
}

// NewProber builds a prober from the network configuration. When a target is
// configured, relative URLs resolve against it, and with enforce_scope every
// request must stay on the target's domain.
func NewProber(cfg config.NetworkConfig, logger *zap.Logger) (*Prober, error) {
	clientCfg := NewDefaultClientConfig()
	clientCfg.IgnoreTLSErrors = cfg.IgnoreTLSErrors
	clientCfg.Logger = logger
	if cfg.Timeout > 0 {
		clientCfg.RequestTimeout = cfg.Timeout
	}
	if cfg.Proxy.Enabled {
		proxyURL, err := url.Parse(cfg.Proxy.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address: %w", err)
		}
		clientCfg.ProxyURL = proxyURL
	}

	p := &Prober{
		client:         NewClient(clientCfg),
		limiter:        rate.NewLimiter(rate.Inf, 1),
		defaultHeaders: cfg.Headers,
		bodyLimit:      cfg.BodyLimit,
		logger:         logger.Named("prober"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.Target != "" {
		base, err := url.Parse(cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("invalid target URL: %w", err)
		}
		p.base = base
		if cfg.EnforceScope {
			if p.scope, err = NewScopeGuard(cfg.Target, cfg.IncludeSubdomains); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Do issues req. Transport failures are returned as errors; any HTTP status,
// including 4xx/5xx and redirects, is a successful probe.
func (p *Prober) Do(ctx context.Context, req ProbeRequest) (*ProbeResponse, error) {
	target, err := p.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	if p.scope != nil {
		if err := p.scope.Check(target); err != nil {
			return nil, err
		}
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range p.defaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()

	limit := p.bodyLimit
	if limit <= 0 {
		limit = 6000
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	truncated := len(raw) > limit
	if truncated {
		raw = raw[:limit]
	}

	out := &ProbeResponse{
		URL:        target.String(),
		Proto:      resp.Proto,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       strings.ToValidUTF8(string(raw), "?"),
		Truncated:  truncated,
		Duration:   time.Since(start),
	}
	p.logger.Debug("Probe complete",
		zap.String("method", method),
		zap.String("url", out.URL),
		zap.Int("status", out.StatusCode),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func (p *Prober) resolve(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if p.base == nil {
		return nil, fmt.Errorf("relative url %q given but no target is configured", raw)
	}
	return p.base.ResolveReference(u), nil
}

// Close releases idle connections.
func (p *Prober) Close() {
	p.client.CloseIdleConnections()
}
