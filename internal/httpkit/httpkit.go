// Package httpkit builds the outbound HTTP clients used for search
// providers, page fetches, and model backends. All of them share the same
// dial and TLS timeouts, a bounded idle pool, and the Scout User-Agent.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/scout/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption adjusts a client built by [NewClient].
type ClientOption func(*settings)

type settings struct {
	timeout        time.Duration
	responseHeader time.Duration
	userAgent      string
	retries        int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// WithTimeout bounds the whole exchange. Zero means no limit, which
// streaming model clients rely on.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) { s.timeout = d }
}

func WithUserAgent(ua string) ClientOption {
	return func(s *settings) { s.userAgent = ua }
}

// WithResponseHeaderTimeout bounds the wait for the first response byte.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(s *settings) { s.responseHeader = d }
}

// WithRetry resends a request up to count times when the connection could
// not be established. A request body is only resent if GetBody is set.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(s *settings) { s.retries, s.retryDelay = count, delay }
}

// WithLogger logs retries at debug level.
func WithLogger(l *slog.Logger) ClientOption {
	return func(s *settings) { s.logger = l }
}

// NewTransport returns a transport with the package defaults.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
	}
}

// NewClient returns a client with a 30s timeout and the Scout User-Agent
// unless opts say otherwise.
func NewClient(opts ...ClientOption) *http.Client {
	s := settings{timeout: 30 * time.Second, userAgent: buildinfo.UserAgent()}
	for _, opt := range opts {
		opt(&s)
	}

	base := NewTransport()
	if s.responseHeader > 0 {
		base.ResponseHeaderTimeout = s.responseHeader
	}
	return &http.Client{
		Timeout: s.timeout,
		Transport: &transport{
			base:    base,
			ua:      s.userAgent,
			retries: s.retries,
			delay:   s.retryDelay,
			logger:  s.logger,
		},
	}
}

// transport stamps the User-Agent and retries failed dials.
type transport struct {
	base    http.RoundTripper
	ua      string
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.ua != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}

	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	for attempt := 1; attempt <= t.retries && err != nil && dialFailed(err) && rewindable; attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request",
				"method", req.Method, "url", req.URL.Redacted(),
				"attempt", attempt, "of", t.retries, "error", err)
		}
		if werr := sleepCtx(req.Context(), t.delay); werr != nil {
			return nil, werr
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			if next.Body, err = req.GetBody(); err != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", err)
			}
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dialFailed reports errors raised before the request reached the server.
// A reset connection may have delivered the request, so it is not one.
func dialFailed(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH || errno == syscall.ECONNREFUSED
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for an error message,
// then drains and closes the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// StatusError is returned by CheckStatus for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// CheckStatus returns a *StatusError carrying a truncated body when resp
// is not 2xx. The body is consumed and closed in that case.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Body: ReadErrorBody(resp.Body, 512)}
}
