// Package fetch loads web pages and extracts their readable text. Every
// load produces a tagged Page; failures never escape as errors so that
// one bad page cannot sink a batch.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/httpkit"
)

// DefaultTimeout bounds a single page load when none is given.
const DefaultTimeout = 10 * time.Second

// DefaultMaxBytes is the maximum response body size read per page.
const DefaultMaxBytes int64 = 2 << 20

// Status is the outcome of a page load.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Page is the result of loading one link.
type Page struct {
	Link   string
	Title  string
	Text   string
	Status Status
	// Err is set when Status is not StatusOK.
	Err error
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Fetcher from cfg. Zero values take the package defaults.
func New(cfg config.FetchConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		// Per-load deadlines come from the context.
		client:   httpkit.NewClient(httpkit.WithTimeout(0)),
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
		logger:   logger.With("component", "fetch"),
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxBytes
	}
	return f
}

// Load fetches link within timeout (zero uses the configured default)
// and extracts its text.
func (f *Fetcher) Load(ctx context.Context, link string, timeout time.Duration) Page {
	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page := f.load(ctx, link)
	if page.Err != nil {
		if isTimeout(ctx, page.Err) {
			page.Status = StatusTimeout
		} else {
			page.Status = StatusError
		}
		f.logger.Debug("page load failed", "link", link, "status", page.Status, "error", page.Err)
	}
	return page
}

func (f *Fetcher) load(ctx context.Context, link string) Page {
	page := Page{Link: link}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		page.Err = fmt.Errorf("invalid url: %w", err)
		return page
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Setting this disables the transport's transparent gzip, so bodies
	// are decoded in decodeBody.
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	resp, err := f.client.Do(req)
	if err != nil {
		page.Err = fmt.Errorf("request failed: %w", err)
		return page
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := httpkit.CheckStatus(resp); err != nil {
		page.Err = err
		return page
	}

	body, err := decodeBody(resp)
	if err != nil {
		page.Err = err
		return page
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, f.maxBytes))
	if err != nil {
		page.Err = fmt.Errorf("read body: %w", err)
		return page
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case isHTML(contentType):
		page.Title, page.Text = extractHTML(string(raw))
	case isPlainText(contentType), utf8.Valid(raw):
		page.Text = strings.TrimSpace(string(raw))
	default:
		page.Err = fmt.Errorf("binary content (%s), %d bytes", contentType, len(raw))
	}
	return page
}

// decodeBody wraps the response body according to its Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported content encoding %q", enc)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}
