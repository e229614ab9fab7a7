// Package browser implements the page fetch contract on top of a headless
// Chromium driven by playwright.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/amazon-product-importer/internal/camouflage"
	"github.com/maltedev/amazon-product-importer/internal/fetcher"
)

// Options configures the headless browser.
type Options struct {
	Headless    bool
	Timeout     time.Duration
	Locale      string
	TimezoneID  string
	ProxyServer string
	Humanize    bool
}

// DefaultOptions returns headless settings for a US storefront.
func DefaultOptions() *Options {
	return &Options{
		Headless:   true,
		Timeout:    fetcher.DefaultTimeout,
		Locale:     "en-US",
		TimezoneID: "America/New_York",
		Humanize:   true,
	}
}

// Browser fetches pages through one browser context per identity. The
// context is rebuilt whenever the identity's user agent changes; the old
// one stays open until its in-flight pages are done.
type Browser struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	camo     *camouflage.Provider
	buster   *fetcher.CacheBuster
	contexts *contextPool
	opts     *Options
	logger   *slog.Logger
}

// New launches Chromium. The caller owns the result and must Close it.
func New(opts *Options, camo *camouflage.Provider, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	br := &Browser{
		pw:      pw,
		browser: b,
		camo:    camo,
		buster:  fetcher.NewCacheBuster(nil),
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}
	br.contexts = newContextPool(br.newContext, br.logger)
	return br, nil
}

// Fetch navigates to rawURL once and returns the rendered HTML. Status
// handling matches the HTTP fetcher: a redirect is a failure carrying the
// redirect status.
func (b *Browser) Fetch(ctx context.Context, rawURL string, id camouflage.Identity) (*fetcher.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, &fetcher.FetchError{URL: rawURL, Kind: fetcher.KindUnexpected, Err: err}
	}

	target, err := b.buster.Bust(rawURL)
	if err != nil {
		return nil, &fetcher.FetchError{URL: rawURL, Kind: fetcher.KindUnexpected, Err: err}
	}

	l, err := b.contexts.acquire(id)
	if err != nil {
		return nil, &fetcher.FetchError{URL: rawURL, Kind: fetcher.KindUnexpected, Err: err}
	}
	defer b.contexts.release(l)

	page, err := l.bctx.NewPage()
	if err != nil {
		return nil, &fetcher.FetchError{URL: rawURL, Kind: fetcher.KindUnexpected, Err: fmt.Errorf("failed to create new page: %w", err)}
	}
	defer page.Close()

	start := time.Now()
	resp, err := page.Goto(target, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds())),
	})
	if err != nil {
		kind := fetcher.KindUnexpected
		if errors.Is(err, playwright.ErrTimeout) {
			kind = fetcher.KindTimeout
		}
		b.logger.Warn("navigation failed", "url", rawURL, "kind", kind, "error", err)
		return nil, &fetcher.FetchError{URL: rawURL, Kind: kind, Err: err}
	}
	if resp == nil {
		return nil, &fetcher.FetchError{URL: rawURL, Kind: fetcher.KindUnexpected, Err: errors.New("no response")}
	}

	header := make(http.Header)
	for k, v := range resp.Headers() {
		header.Set(k, v)
	}
	if fe := checkResponse(rawURL, resp.Status(), header, redirectStatus(resp)); fe != nil {
		b.logger.Warn("unexpected status", "url", rawURL, "status", fe.StatusCode, "kind", fe.Kind)
		return nil, fe
	}

	if b.opts.Humanize {
		if err := b.humanize(ctx, page); err != nil {
			return nil, &fetcher.FetchError{URL: rawURL, Kind: fetcher.KindUnexpected, Err: err}
		}
	}

	content, err := page.Content()
	if err != nil {
		return nil, &fetcher.FetchError{URL: rawURL, Kind: fetcher.KindUnexpected, Err: fmt.Errorf("failed to get page content: %w", err)}
	}

	return &fetcher.Document{
		URL:        rawURL,
		StatusCode: resp.Status(),
		Header:     header,
		Body:       []byte(content),
		FetchedAt:  start,
		Duration:   time.Since(start),
	}, nil
}

// checkResponse applies the fetch status contract to a finished navigation.
// redirected is the status of the first hop when the navigation followed a
// redirect, zero otherwise.
func checkResponse(rawURL string, status int, header http.Header, redirected int) *fetcher.FetchError {
	if redirected != 0 {
		return fetcher.StatusError(rawURL, redirected, header)
	}
	if status != http.StatusOK {
		return fetcher.StatusError(rawURL, status, header)
	}
	return nil
}

// redirectStatus walks resp's request chain back to the original request and
// returns the status that redirected it, or zero when nothing redirected.
func redirectStatus(resp playwright.Response) int {
	req := resp.Request()
	if req == nil || req.RedirectedFrom() == nil {
		return 0
	}
	first := req.RedirectedFrom()
	for first.RedirectedFrom() != nil {
		first = first.RedirectedFrom()
	}
	if r, err := first.Response(); err == nil && r != nil {
		return r.Status()
	}
	return http.StatusFound
}

func (b *Browser) newContext(id camouflage.Identity) (playwright.BrowserContext, error) {
	headers := map[string]string{}
	if b.camo != nil {
		for k, v := range b.camo.HeadersFor(id) {
			if k == "User-Agent" || k == "Accept-Encoding" || len(v) == 0 {
				continue
			}
			headers[k] = v[0]
		}
	}

	viewport := id.Viewport
	if viewport.Width == 0 {
		viewport = camouflage.Viewport{Width: 1920, Height: 1080}
	}

	bctx, err := b.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(id.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(b.opts.Locale),
		TimezoneId:        playwright.String(b.opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  viewport.Width,
			Height: viewport.Height,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	return bctx, nil
}

// humanize moves the mouse and scrolls with delays drawn from the scroll and
// click distributions.
func (b *Browser) humanize(ctx context.Context, page playwright.Page) error {
	for i := 0; i < 3; i++ {
		x := float64(100 + i*200)
		y := float64(100 + i*150)
		if err := page.Mouse().Move(x, y); err != nil {
			return fmt.Errorf("mouse move: %w", err)
		}
		if b.camo != nil {
			if err := b.camo.Pause(ctx, camouflage.ActionClick); err != nil {
				return err
			}
		}
	}

	if _, err := page.Evaluate(`window.scrollBy(0, Math.random() * 300)`); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	if b.camo != nil {
		return b.camo.Pause(ctx, camouflage.ActionScroll)
	}
	return nil
}

// Close shuts down the context, the browser and playwright.
func (b *Browser) Close() error {
	var errs []error

	if b.contexts != nil {
		if err := b.contexts.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

var _ fetcher.PageFetcher = (*Browser)(nil)
