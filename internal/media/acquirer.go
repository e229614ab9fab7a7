// Package media downloads product images sequentially, tolerating partial
// failure while keeping every result at its original position.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/maltedev/amazon-product-importer/internal/camouflage"
	"github.com/maltedev/amazon-product-importer/internal/metrics"
	"github.com/maltedev/amazon-product-importer/internal/models"
)

const (
	DefaultMaxImages = 12
	DefaultTimeout   = 8 * time.Second
	DefaultMaxSize   = 10 << 20
)

// Report aggregates one AcquireAll run.
type Report struct {
	Results   []models.ImageResult `json:"results"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
}

// Acquirer downloads product images one at a time. A failed image never
// fails the batch.
type Acquirer struct {
	client  *http.Client
	camo    *camouflage.Provider
	metrics *metrics.Metrics
	logger  *slog.Logger
	referer string
	timeout time.Duration
	maxSize int64
}

// Option configures an Acquirer.
type Option func(*Acquirer)

func WithHTTPClient(client *http.Client) Option {
	return func(a *Acquirer) { a.client = client }
}

func WithReferer(referer string) Option {
	return func(a *Acquirer) { a.referer = referer }
}

func WithTimeout(d time.Duration) Option {
	return func(a *Acquirer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Acquirer) { a.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Acquirer) { a.logger = logger.With("component", "image_acquirer") }
}

// NewAcquirer creates an Acquirer sending camo's image headers.
func NewAcquirer(camo *camouflage.Provider, opts ...Option) *Acquirer {
	a := &Acquirer{
		camo:    camo,
		logger:  slog.Default().With("component", "image_acquirer"),
		referer: "https://www.amazon.com/",
		timeout: DefaultTimeout,
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = &http.Client{}
	}
	return a
}

// AcquireAll downloads up to max images of urls one after another, each
// preceded by an image-action pause. A failed image never aborts the run.
// Cancelling ctx marks the remaining images as failed.
func (a *Acquirer) AcquireAll(ctx context.Context, code string, urls []string, max int) Report {
	if max <= 0 {
		max = DefaultMaxImages
	}
	if len(urls) > max {
		urls = urls[:max]
	}

	id := a.camo.CurrentIdentity()
	report := Report{Results: make([]models.ImageResult, 0, len(urls))}

	for position, src := range urls {
		result := models.ImageResult{SourceURL: src, Position: position}

		if err := a.camo.Pause(ctx, camouflage.ActionImage); err != nil {
			result.FailureReason = err.Error()
		} else if data, contentType, err := a.download(ctx, src, id); err != nil {
			result.FailureReason = err.Error()
		} else {
			result.Success = true
			result.Bytes = data
			result.ContentType = contentType
			result.StorageKey = StorageKey(code, position, contentType, src)
		}

		if result.Success {
			report.Succeeded++
		} else {
			report.Failed++
			a.logger.Warn("image download failed",
				"code", code,
				"position", position,
				"url", src,
				"reason", result.FailureReason)
		}
		a.metrics.IncImage(result.Success)
		report.Results = append(report.Results, result)
	}

	a.logger.Info("images acquired",
		"code", code,
		"attempted", len(urls),
		"succeeded", report.Succeeded,
		"failed", report.Failed)

	return report
}

func (a *Acquirer) download(ctx context.Context, src string, id camouflage.Identity) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid image url: %w", err)
	}
	req.Header = a.camo.ImageHeadersFor(id, a.referer)
	req.Header.Del("Accept-Encoding")

	resp, err := a.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, "", fmt.Errorf("timeout after %s", a.timeout)
		}
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if a.maxSize > 0 && resp.ContentLength > a.maxSize {
		return nil, "", fmt.Errorf("image too large: %d bytes", resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxSize+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", fmt.Errorf("timeout after %s", a.timeout)
		}
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > a.maxSize {
		return nil, "", fmt.Errorf("image larger than %d bytes", a.maxSize)
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty body")
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" || contentType == "binary/octet-stream" {
		contentType = mediaType(http.DetectContentType(data))
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("unexpected content type %q", contentType)
	}
	return data, contentType, nil
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return strings.ToLower(mt)
}

// StorageKey derives the blob key from the product code and position.
func StorageKey(code string, position int, contentType, src string) string {
	return fmt.Sprintf("%s/%02d%s", code, position, extensionFor(contentType, src))
}

func extensionFor(contentType, src string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/avif":
		return ".avif"
	}
	if ext := strings.ToLower(path.Ext(src)); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".img"
}
