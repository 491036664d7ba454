package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/nugget/scout/internal/config"
)

const testPage = `<!DOCTYPE html>
<html>
<head><title>Test Page</title><style>.x{}</style></head>
<body>
<nav>Navigation stuff</nav>
<script>var x = 1;</script>
<main>
<h1>Hello World</h1>
<p>This is a test paragraph with <strong>bold text</strong>.</p>
<ul><li>one</li><li>two</li></ul>
</main>
<aside>Related links</aside>
<footer>Footer stuff</footer>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	title, content := extractHTML(testPage)

	if title != "Test Page" {
		t.Errorf("title = %q, want %q", title, "Test Page")
	}
	for _, want := range []string{"Hello World", "bold text", "one"} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q: %q", want, content)
		}
	}
	for _, unwanted := range []string{"var x = 1", "Navigation stuff", "Footer stuff", "Related links", ".x{}"} {
		if strings.Contains(content, unwanted) {
			t.Errorf("content contains %q", unwanted)
		}
	}
	if strings.Contains(content, "\n\n\n") {
		t.Errorf("content has unsquashed blank lines: %q", content)
	}
}

func newFetcher() *Fetcher {
	return New(config.FetchConfig{Timeout: 2 * time.Second}, nil)
}

func TestLoad(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "Scout/") {
			t.Errorf("User-Agent = %q, want Scout/ prefix", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(testPage))
	}))
	defer ts.Close()

	page := newFetcher().Load(context.Background(), ts.URL, 0)
	if page.Status != StatusOK || page.Err != nil {
		t.Fatalf("page = %+v", page)
	}
	if page.Title != "Test Page" || !strings.Contains(page.Text, "Hello World") {
		t.Errorf("page = %+v", page)
	}
	if page.Link != ts.URL {
		t.Errorf("Link = %q", page.Link)
	}
}

func TestLoad_CompressedBodies(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write([]byte("plain gzip body"))
	gw.Close()

	var zs bytes.Buffer
	zw, err := zstd.NewWriter(&zs)
	if err != nil {
		t.Fatal(err)
	}
	zw.Write([]byte("plain zstd body"))
	zw.Close()

	tests := []struct {
		encoding string
		body     []byte
		want     string
	}{
		{"gzip", gz.Bytes(), "plain gzip body"},
		{"zstd", zs.Bytes(), "plain zstd body"},
	}
	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.Header.Get("Accept-Encoding"), tt.encoding) {
					t.Errorf("Accept-Encoding = %q", r.Header.Get("Accept-Encoding"))
				}
				w.Header().Set("Content-Type", "text/plain")
				w.Header().Set("Content-Encoding", tt.encoding)
				w.Write(tt.body)
			}))
			defer ts.Close()

			page := newFetcher().Load(context.Background(), ts.URL, 0)
			if page.Status != StatusOK || page.Text != tt.want {
				t.Errorf("page = %+v, want text %q", page, tt.want)
			}
		})
	}
}

func TestLoad_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer ts.Close()

	start := time.Now()
	page := newFetcher().Load(context.Background(), ts.URL, 50*time.Millisecond)
	if page.Status != StatusTimeout {
		t.Errorf("Status = %v (err %v), want timeout", page.Status, page.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Load took %v, timeout not enforced", elapsed)
	}
}

func TestLoad_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "binary body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/octet-stream")
				w.Write([]byte{0xff, 0xfe, 0x00, 0x81})
			},
		},
		{
			name: "unknown encoding",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", "br")
				w.Write([]byte("x"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			page := newFetcher().Load(context.Background(), ts.URL, 0)
			if page.Status != StatusError || page.Err == nil {
				t.Errorf("page = %+v, want error status", page)
			}
		})
	}
}

func TestLoad_InvalidURL(t *testing.T) {
	page := newFetcher().Load(context.Background(), "://nope", 0)
	if page.Status != StatusError {
		t.Errorf("Status = %v, want error", page.Status)
	}
}

func TestLoad_MaxBytes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("a", 1000)))
	}))
	defer ts.Close()

	f := New(config.FetchConfig{MaxBytes: 100}, nil)
	page := f.Load(context.Background(), ts.URL, 0)
	if len(page.Text) != 100 {
		t.Errorf("len(Text) = %d, want 100", len(page.Text))
	}
}

func TestStatusString(t *testing.T) {
	for s, want := range map[Status]string{StatusOK: "ok", StatusTimeout: "timeout", StatusError: "error"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
