// Package external wraps outbound HTTP calls to tenant-configured target
// APIs. Every call goes through TargetClient, which caps the response body
// and measures latency. Calls carrying a breaker key also pass through that
// key's circuit breaker.
package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/sony/gobreaker/v2"

	"hermes/internal/security"
	"hermes/internal/types"
)

type breakerKeyCtx struct{}

// WithBreakerKey scopes calls made with ctx to the circuit breaker named
// key, normally a configuration id. Calls without a key are not guarded.
func WithBreakerKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, breakerKeyCtx{}, key)
}

func breakerKey(ctx context.Context) string {
	key, _ := ctx.Value(breakerKeyCtx{}).(string)
	return key
}

// TargetResponse is the fully read answer of a target API.
type TargetResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Truncated is set when the body exceeded the configured cap.
	Truncated bool
	Latency   time.Duration
}

// OK reports a 2xx status.
func (r *TargetResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// BreakerSettings tunes the per-key circuit breakers. Only transport
// failures count; any HTTP answer, 5xx included, is a success.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
}

// DefaultBreakerSettings returns the settings used in production.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		Interval:            60 * time.Second,
	}
}

// TargetClient executes requests against target APIs.
type TargetClient struct {
	client    *http.Client
	settings  BreakerSettings
	maxBody   int64
	userAgent string
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*TargetResponse]
}

// TargetClientOption is a functional option for TargetClient.
type TargetClientOption func(*TargetClient)

// WithBreakerSettings overrides DefaultBreakerSettings.
func WithBreakerSettings(s BreakerSettings) TargetClientOption {
	return func(c *TargetClient) { c.settings = s }
}

// WithClock overrides the clock used to measure latency.
func WithClock(now func() time.Time) TargetClientOption {
	return func(c *TargetClient) { c.now = now }
}

// NewTargetClient builds a TargetClient on httpClient. maxBody <= 0 disables
// the body cap.
func NewTargetClient(httpClient *http.Client, maxBody int64, userAgent string, opts ...TargetClientOption) *TargetClient {
	c := &TargetClient{
		client:    httpClient,
		settings:  DefaultBreakerSettings(),
		maxBody:   maxBody,
		userAgent: userAgent,
		now:       time.Now,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[*TargetResponse]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTargetHTTPClient returns the http.Client used for target calls: an
// SSRF-guarded transport that also negotiates gzip. The SafeTransport is
// returned so callers can pre-flight hosts.
func NewTargetHTTPClient(p security.Policy, maxRedirects int) (*http.Client, *security.SafeTransport, error) {
	client, st, err := security.NewSafeHTTPClient(p, maxRedirects)
	if err != nil {
		return nil, nil, err
	}
	client.Transport = gzhttp.Transport(client.Transport)
	return client, st, nil
}

// Do sends req and reads the full response. Any HTTP answer, whatever its
// status, is returned without error. Failures to obtain an answer are
// returned as *types.AppError:
//   - validation_blocked_address when the destination is refused,
//   - upstream_unavailable when the key's breaker is open,
//   - upstream_unreachable for every other transport failure.
func (c *TargetClient) Do(req *http.Request) (*TargetResponse, error) {
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if reqID := types.GetRequestID(req.Context()); reqID != "" && req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	var (
		resp *TargetResponse
		err  error
	)
	if key := breakerKey(req.Context()); key != "" {
		resp, err = c.breaker(key).Execute(func() (*TargetResponse, error) {
			return c.roundTrip(req)
		})
	} else {
		resp, err = c.roundTrip(req)
	}
	if err != nil {
		return nil, c.mapError(req, err)
	}
	return resp, nil
}

func (c *TargetClient) roundTrip(req *http.Request) (*TargetResponse, error) {
	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if c.maxBody > 0 {
		reader = io.LimitReader(resp.Body, c.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	out := &TargetResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Latency:    c.now().Sub(start),
	}
	if c.maxBody > 0 && int64(len(body)) > c.maxBody {
		out.Body = body[:c.maxBody]
		out.Truncated = true
	}
	return out, nil
}

func (c *TargetClient) breaker(key string) *gobreaker.CircuitBreaker[*TargetResponse] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	threshold := c.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*TargetResponse](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    c.settings.Interval,
		Timeout:     c.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	c.breakers[key] = cb
	return cb
}

func (c *TargetClient) mapError(req *http.Request, err error) *types.AppError {
	host := req.URL.Host
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("circuit breaker open for %s", host), err)
	case errors.Is(err, security.ErrBlockedAddress):
		return types.NewAppError(types.ErrCodeValidationBlockedAddress,
			fmt.Sprintf("destination %s is not allowed", host), err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamUnreachable,
			fmt.Sprintf("request to %s failed: %v", host, err), err)
	}
}
