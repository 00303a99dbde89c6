// Package fetcher downloads PAC scripts over http(s) or from file:// URLs.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/sequence"
	"liuproxy_resolver/internal/shared/logger"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 1 << 20
)

// HTTPFetcher fetches one script at a time. The download runs on its own
// goroutine and the result is posted back to the runner.
type HTTPFetcher struct {
	runner   sequence.Runner
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	log      zerolog.Logger

	// only touched on the runner
	gen    uint64
	cancel context.CancelFunc
}

var _ pac.Fetcher = (*HTTPFetcher)(nil)

// New returns a fetcher. A nil client gets one that never uses a proxy,
// since the PAC script itself decides the proxy.
func New(runner sequence.Runner, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{Proxy: nil}}
	}
	return &HTTPFetcher{
		runner:   runner,
		client:   client,
		timeout:  DefaultTimeout,
		maxBytes: DefaultMaxBytes,
		log:      logger.WithComponent("Fetcher"),
	}
}

// Factory adapts New to pac.FetcherFactory.
func Factory(runner sequence.Runner, client *http.Client) pac.FetcherFactory {
	return func() pac.Fetcher { return New(runner, client) }
}

// WithLimits overrides the timeout and the body size limit.
func (f *HTTPFetcher) WithLimits(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout > 0 {
		f.timeout = timeout
	}
	if maxBytes > 0 {
		f.maxBytes = maxBytes
	}
	return f
}

func (f *HTTPFetcher) Fetch(rawURL string, cb func(text string, err error)) async.Status {
	u, err := url.Parse(rawURL)
	if err != nil {
		return async.Done(fmt.Errorf("%w: %v", pac.ErrFetchFailed, err))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "file":
	default:
		return async.Done(fmt.Errorf("%w: unsupported scheme %q", pac.ErrFetchFailed, u.Scheme))
	}

	f.Cancel()
	f.gen++
	gen := f.gen
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	f.cancel = cancel

	traceID := uuid.NewString()
	f.log.Debug().Str("trace_id", traceID).Str("url", rawURL).Msg("Fetching PAC script.")

	go func() {
		start := time.Now()
		text, err := f.fetch(ctx, u)
		cancel()
		f.runner.Post(func() {
			if gen != f.gen {
				return
			}
			f.cancel = nil
			if err != nil {
				f.log.Debug().Str("trace_id", traceID).Err(err).Msg("PAC fetch failed.")
			} else {
				f.log.Debug().Str("trace_id", traceID).Int("bytes", len(text)).
					Dur("elapsed", time.Since(start)).Msg("PAC script fetched.")
			}
			cb(text, err)
		})
	}()
	return async.Pending()
}

// Cancel aborts the fetch in flight; its callback will not run.
func (f *HTTPFetcher) Cancel() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.gen++
}

func (f *HTTPFetcher) fetch(ctx context.Context, u *url.URL) (string, error) {
	if strings.EqualFold(u.Scheme, "file") {
		return f.fetchFile(u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pac.ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/x-ns-proxy-autoconfig, application/x-javascript, */*")
	req.Header.Set("User-Agent", "liuproxy-resolver")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pac.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned %s", pac.ErrFetchFailed, u.Redacted(), resp.Status)
	}

	body, err := f.readLimited(resp.Body)
	if err != nil {
		return "", err
	}
	contentType := resp.Header.Get("Content-Type")
	text, err := decode(body, contentType)
	if err != nil {
		return "", err
	}
	if title, ok := htmlPage(text, contentType); ok {
		return "", fmt.Errorf("%w: %s served an HTML page %q", pac.ErrInvalidScript, u.Redacted(), title)
	}
	return text, nil
}

// htmlPage reports whether text is an HTML document rather than a script,
// typically a captive portal or proxy login page, and returns its title.
func htmlPage(text, contentType string) (string, bool) {
	if strings.Contains(text, "FindProxyForURL") {
		return "", false
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	head := strings.ToLower(strings.TrimSpace(text))
	if mediaType != "text/html" && !strings.HasPrefix(head, "<!doctype html") && !strings.HasPrefix(head, "<html") {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return "", true
	}
	return strings.TrimSpace(doc.Find("title").First().Text()), true
}

func (f *HTTPFetcher) fetchFile(u *url.URL) (string, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pac.ErrFetchFailed, err)
	}
	defer file.Close()

	body, err := f.readLimited(file)
	if err != nil {
		return "", err
	}
	return decode(body, "")
}

func (f *HTTPFetcher) readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pac.ErrFetchFailed, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: script larger than %d bytes", pac.ErrFetchFailed, f.maxBytes)
	}
	return body, nil
}

// decode converts body to UTF-8 using the declared charset, a BOM or a
// content sniff, in that order.
func decode(body []byte, contentType string) (string, error) {
	r, err := charset.NewReader(strings.NewReader(string(body)), contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pac.ErrFetchFailed, err)
	}
	text, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pac.ErrFetchFailed, err)
	}
	return string(text), nil
}
