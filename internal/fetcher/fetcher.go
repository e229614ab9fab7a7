// Package fetcher performs single-attempt page fetches with camouflaged
// headers and strict status validation.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/maltedev/amazon-product-importer/internal/camouflage"
	"github.com/maltedev/amazon-product-importer/internal/metrics"
)

const (
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBodySize caps the decoded body, not the bytes on the wire.
	DefaultMaxBodySize = 5 << 20
)

// ErrBodyTooLarge is returned by ReadBody when the decoded body exceeds the
// configured limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Document is a successfully fetched page.
type Document struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
}

// PageFetcher is implemented by the HTTP and browser fetchers.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, id camouflage.Identity) (*Document, error)
}

// Fetcher is the plain HTTP PageFetcher. It never retries and never follows
// redirects.
type Fetcher struct {
	client      *http.Client
	camo        *camouflage.Provider
	buster      *CacheBuster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithRand seeds the cache buster; tests pass a seeded source.
func WithRand(rng *rand.Rand) Option {
	return func(f *Fetcher) { f.buster = NewCacheBuster(rng) }
}

// WithMaxBodySize overrides DefaultMaxBodySize.
func WithMaxBodySize(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBodySize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger.With("component", "fetcher") }
}

// New creates a Fetcher sending camo's headers for each identity.
func New(camo *camouflage.Provider, opts ...Option) *Fetcher {
	f := &Fetcher{
		camo:        camo,
		logger:      slog.Default().With("component", "fetcher"),
		timeout:     DefaultTimeout,
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.buster == nil {
		f.buster = NewCacheBuster(nil)
	}
	if f.client == nil {
		f.client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				DisableCompression:  true,
			},
		}
	}
	f.client.Timeout = f.timeout
	f.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return f
}

// Fetch issues exactly one GET. Any status other than 200 is a failure;
// redirects are returned as failures rather than followed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, id camouflage.Identity) (*Document, error) {
	target, err := f.buster.Bust(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Kind: KindUnexpected, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Kind: KindUnexpected, Err: err}
	}
	if f.camo != nil {
		req.Header = f.camo.HeadersFor(id)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		fe := classifyTransportError(rawURL, err)
		f.metrics.ObserveFetch(string(fe.Kind), duration)
		f.logger.Warn("fetch failed", "url", rawURL, "kind", fe.Kind, "error", err)
		return nil, fe
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fe := StatusError(rawURL, resp.StatusCode, resp.Header)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		f.metrics.ObserveFetch(string(fe.Kind), duration)
		f.logger.Warn("unexpected status",
			"url", rawURL,
			"status", resp.StatusCode,
			"kind", fe.Kind)
		return nil, fe
	}

	body, err := ReadBody(resp, f.maxBodySize)
	if err != nil {
		fe := classifyTransportError(rawURL, err)
		f.metrics.ObserveFetch(string(fe.Kind), duration)
		return nil, fe
	}

	duration = time.Since(start)
	f.metrics.ObserveFetch("ok", duration)
	f.logger.Debug("fetch complete",
		"url", rawURL,
		"size", len(body),
		"duration", duration)

	return &Document{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		FetchedAt:  start,
		Duration:   duration,
	}, nil
}

// ReadBody reads and decompresses the response body. The limit applies to
// the decoded bytes; a body decoding to more than limit bytes fails with
// ErrBodyTooLarge.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	decoded, err := decompressReader(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	defer decoded.Close()

	if limit <= 0 {
		return io.ReadAll(decoded)
	}
	body, err := io.ReadAll(io.LimitReader(decoded, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}

// decompressReader wraps resp.Body in the decoder named by Content-Encoding.
// Closing the result closes the decoder but not resp.Body.
func decompressReader(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}

func classifyTransportError(rawURL string, err error) *FetchError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &FetchError{URL: rawURL, Kind: KindTimeout, Err: err}
	}
	return &FetchError{URL: rawURL, Kind: KindUnexpected, Err: err}
}
