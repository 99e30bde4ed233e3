package trust

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbd888/agentdir/internal/metrics"
)

// UserAgent identifies verification traffic to the operators of probed endpoints.
const UserAgent = "agentdir-verifier/1.0 (+trust-verification)"

// maxProbeBody caps how much of a probed response body is read.
const maxProbeBody = 1 << 20 // 1MB

// kindEndpoint labels the reachability probe; detectors use their own names.
const kindEndpoint = "endpoint"

// Messages used in ProbeResult.Error.
const (
	errRequestTimeout   = "Request timeout"
	errRequestCancelled = "Request cancelled"
	errNoEndpoint       = "No endpoint configured"
	errCircuitOpen      = "Circuit open: host failed repeatedly, lookup skipped"
)

// ProbeResult is the structured outcome of one probe. A probe never returns an
// error to its caller; every failure mode lands in Error.
type ProbeResult struct {
	URL        string `json:"url"`
	Reachable  bool   `json:"reachable"`
	ElapsedMs  int64  `json:"elapsedMs"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EndpointGuard rejects endpoint URLs that must not be probed (e.g. private
// addresses). A nil guard allows everything.
type EndpointGuard func(rawURL string) error

// HostBreaker tracks hosts that keep failing at the network level.
// *circuitbreaker.Breaker satisfies it. Only reachability outcomes are
// recorded, and the breaker only ever suppresses discovery lookups; the
// reachability probe itself always goes to the network.
type HostBreaker interface {
	Allow(host string) bool
	Success(host string)
	Failure(host string)
}

// Prober issues bounded HTTP GET requests against agent endpoints.
type Prober struct {
	client    *http.Client
	userAgent string
	guard     EndpointGuard
	breaker   HostBreaker
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithHTTPClient replaces the HTTP client used for probes.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = c
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ProberOption {
	return func(p *Prober) {
		p.userAgent = ua
	}
}

// WithEndpointGuard installs a guard consulted before every request.
func WithEndpointGuard(g EndpointGuard) ProberOption {
	return func(p *Prober) {
		p.guard = g
	}
}

// WithBreaker installs a per-host circuit breaker.
func WithBreaker(b HostBreaker) ProberOption {
	return func(p *Prober) {
		p.breaker = b
	}
}

// NewProber creates a prober. Timeouts are per call, so the default client
// carries none of its own.
func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		userAgent: UserAgent,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe performs one GET against target, bounded by timeout.
func (p *Prober) Probe(ctx context.Context, target string, timeout time.Duration) ProbeResult {
	res, _ := p.fetch(ctx, kindEndpoint, target, timeout)
	return res
}

// DetectionAllowed reports whether discovery lookups may be sent to the host
// of endpoint. It is false only while the host's circuit is open.
func (p *Prober) DetectionAllowed(endpoint string) bool {
	if p.breaker == nil {
		return true
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return true // the lookups fail on their own
	}
	return p.breaker.Allow(u.Host)
}

// fetch performs the GET and also returns the (size-capped) body for callers
// that need to parse it.
func (p *Prober) fetch(ctx context.Context, kind, target string, timeout time.Duration) (ProbeResult, []byte) {
	res := ProbeResult{URL: target}
	start := time.Now()
	defer func() {
		metrics.ProbeDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		metrics.ProbesTotal.WithLabelValues(kind, probeOutcome(res)).Inc()
	}()

	if strings.TrimSpace(target) == "" {
		res.Error = errNoEndpoint
		return res, nil
	}
	if p.guard != nil {
		if err := p.guard(target); err != nil {
			res.Error = "Endpoint not allowed: " + err.Error()
			return res, nil
		}
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.Error = "Invalid endpoint URL: " + err.Error()
		return res, nil
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json, */*;q=0.5")

	host := req.URL.Host
	record := p.breaker != nil && kind == kindEndpoint

	resp, err := p.client.Do(req)
	if err != nil {
		res.ElapsedMs = time.Since(start).Milliseconds()
		res.Error = describeError(ctx, err)
		// A caller giving up says nothing about the host.
		if record && parent.Err() == nil {
			p.breaker.Failure(host)
		}
		return res, nil
	}
	defer resp.Body.Close()
	if record {
		p.breaker.Success(host)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	res.ElapsedMs = time.Since(start).Milliseconds()
	res.StatusCode = resp.StatusCode
	if err != nil {
		res.Error = describeError(ctx, err)
		return res, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return res, body
	}

	res.Reachable = true
	return res, body
}

// describeError turns a transport error into a short, actionable message.
func describeError(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errRequestTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errRequestTimeout
	}
	if errors.Is(err, context.Canceled) {
		return errRequestCancelled
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}

func probeOutcome(r ProbeResult) string {
	switch {
	case r.Reachable:
		return "ok"
	case r.Error == errRequestTimeout:
		return "timeout"
	case r.Error == errCircuitOpen:
		return "short_circuit"
	case r.StatusCode != 0:
		return "bad_status"
	default:
		return "error"
	}
}
