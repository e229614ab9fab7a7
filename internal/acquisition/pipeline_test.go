package acquisition

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/amazon-product-importer/internal/camouflage"
	"github.com/maltedev/amazon-product-importer/internal/fetcher"
	"github.com/maltedev/amazon-product-importer/internal/identifier"
	"github.com/maltedev/amazon-product-importer/internal/media"
	"github.com/maltedev/amazon-product-importer/internal/models"
	"github.com/maltedev/amazon-product-importer/internal/parser"
	"github.com/maltedev/amazon-product-importer/internal/ratelimit"
)

const (
	imageA = "https://m.media-amazon.com/images/I/71abcDEF1L.jpg"
	imageB = "https://m.media-amazon.com/images/I/81xyzGHI2L.jpg"
)

const widgetPage = `<html><body>
<span id="productTitle"> Example Widget </span>
<a id="bylineInfo">Brand: Acme</a>
<div id="corePrice_feature_div">
  <span class="a-price"><span class="a-price-whole">19.</span><span class="a-price-fraction">99</span></span>
</div>
<img id="landingImage"
  src="https://m.media-amazon.com/images/I/71abcDEF1L._AC_SX679_.jpg"
  data-a-dynamic-image='{"https://m.media-amazon.com/images/I/71abcDEF1L._AC_SX679_.jpg":[679,679],"https://m.media-amazon.com/images/I/71abcDEF1L._AC_SL1500_.jpg":[1500,1500]}'>
<div id="altImages"><ul>
  <li><img src="https://m.media-amazon.com/images/I/71abcDEF1L._AC_US40_.jpg"></li>
  <li><img src="https://m.media-amazon.com/images/I/81xyzGHI2L._AC_US40_.jpg"></li>
</ul></div>
<div id="feature-bullets"><ul><li>Durable aluminium body</li></ul></div>
</body></html>`

const searchPage = `<html><body>
<div data-component-type="s-search-result" data-asin="B07XJ8C8F5">
  <a href="/Example-Widget/dp/B07XJ8C8F5">Example Widget</a>
</div>
</body></html>`

const placeholderSearchPage = `<html><body>
<div data-component-type="s-search-result" data-asin="0000000000"></div>
</body></html>`

const captchaPage = `<html><head><title>Robot Check</title></head><body>
<form action="/errors/validateCaptcha"><input id="captchacharacters"></form>
</body></html>`

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type fakeGate struct {
	mu        sync.Mutex
	decision  ratelimit.Decision
	checks    int
	requested []int
	released  int
	successes int
	failures  []int
}

func allowAll() *fakeGate {
	return &fakeGate{decision: ratelimit.Decision{Allowed: true}}
}

func (g *fakeGate) Admit(requests int) ratelimit.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	g.requested = append(g.requested, requests)
	return g.decision
}

func (g *fakeGate) Release(requests int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released += requests
}

func (g *fakeGate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.successes++
}

func (g *fakeGate) RecordFailure(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, status)
}

type memProducts struct {
	mu        sync.Mutex
	records   map[string]models.ProductRecord
	images    map[string][]models.StoredImage
	creates   int
	lookups   int
	raceOnce  bool
	lookupErr error
}

func newMemProducts() *memProducts {
	return &memProducts{
		records: make(map[string]models.ProductRecord),
		images:  make(map[string][]models.StoredImage),
	}
}

func (m *memProducts) Lookup(ctx context.Context, code string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.lookupErr != nil {
		return "", false, m.lookupErr
	}
	_, ok := m.records[code]
	if !ok {
		return "", false, nil
	}
	return "ref-" + code, true, nil
}

func (m *memProducts) Create(ctx context.Context, rec models.ProductRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raceOnce {
		m.raceOnce = false
		m.records[rec.Code] = rec
		return "ref-" + rec.Code, models.ErrAlreadyExists
	}
	if _, ok := m.records[rec.Code]; ok {
		return "ref-" + rec.Code, models.ErrAlreadyExists
	}
	m.creates++
	m.records[rec.Code] = rec
	return "ref-" + rec.Code, nil
}

func (m *memProducts) AttachImages(ctx context.Context, code string, images []models.StoredImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[code] = append(m.images[code], images...)
	return nil
}

type memBlobs struct {
	mu   sync.Mutex
	puts map[string][]byte
	err  error
}

func (b *memBlobs) Put(ctx context.Context, code string, position int, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	key := media.StorageKey(code, position, contentType, "")
	b.puts[key] = data
	return "https://cdn.example.com/" + key, nil
}

type harness struct {
	pipeline  *Pipeline
	transport *httpmock.MockTransport
	camo      *camouflage.Provider
	products  *memProducts
	blobs     *memBlobs
}

func newHarness(t *testing.T, gate Gate, opts ...Option) *harness {
	t.Helper()

	camo := camouflage.New(
		camouflage.WithRand(rand.New(rand.NewSource(7))),
		camouflage.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	transport := httpmock.NewMockTransport()
	products := newMemProducts()
	blobs := &memBlobs{puts: make(map[string][]byte)}

	if gate == nil {
		gate = allowAll()
	}

	p, err := New(Dependencies{
		Camouflage: camo,
		Gate:       gate,
		Fetcher: fetcher.New(camo,
			fetcher.WithHTTPClient(&http.Client{Transport: transport}),
			fetcher.WithRand(rand.New(rand.NewSource(7)))),
		Parser:   parser.NewExtractor(nil),
		Images:   media.NewAcquirer(camo, media.WithHTTPClient(&http.Client{Transport: transport})),
		Products: products,
		Blobs:    blobs,
	}, opts...)
	require.NoError(t, err)

	return &harness{pipeline: p, transport: transport, camo: camo, products: products, blobs: blobs}
}

func pageURL(rawURL string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(rawURL) + `(\?.*)?$`)
}

var searchURL = regexp.MustCompile(`^https://www\.amazon\.com/s\?`)

func htmlResponder(status int, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(status, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	}
}

func (h *harness) registerWidget(asin string) {
	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/"+asin),
		htmlResponder(http.StatusOK, widgetPage))
	h.transport.RegisterResponder(http.MethodGet, imageA, func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewBytesResponse(http.StatusOK, []byte("jpeg-a"))
		resp.Header.Set("Content-Type", "image/jpeg")
		return resp, nil
	})
	h.transport.RegisterResponder(http.MethodGet, imageB, httpmock.NewErrorResponder(timeoutErr{}))
}

func TestAcquire_EndToEnd(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	camo := camouflage.New(camouflage.WithRand(rand.New(rand.NewSource(3))))
	controller := ratelimit.NewController(ratelimit.DefaultLimits(), camo, ratelimit.WithClock(clock))

	h := newHarness(t, controller, WithPriceRule(PriceRule{Markup: 0.2}), WithClock(clock))
	h.registerWidget("B08N5WRWNW")

	outcome := h.pipeline.Acquire(context.Background(), " B08N5WRWNW ")

	success, ok := outcome.(Success)
	require.True(t, ok, "expected success, got %s: %s", outcome.Kind(), outcome.Message())

	assert.Equal(t, identifier.KindASIN, success.Identifier.Kind)
	assert.Equal(t, "Example Widget", success.Product.Title)
	require.NotNil(t, success.Product.Price)
	assert.Equal(t, 19.99, *success.Product.Price)
	assert.Equal(t, []string{imageA, imageB}, success.Product.Images)

	assert.Equal(t, Counts{Attempted: 2, Succeeded: 1, Failed: 1, Stored: 1}, success.Counts)
	require.Len(t, success.Images, 2)
	assert.True(t, success.Images[0].Success)
	assert.False(t, success.Images[1].Success)
	assert.Equal(t, 1, success.Images[1].Position)

	assert.Equal(t, 23.99, success.Record.SalePrice)
	assert.Equal(t, "https://www.amazon.com/dp/B08N5WRWNW", success.Record.URL)
	assert.Equal(t, now, success.Record.AcquiredAt)

	require.Len(t, success.Stored, 1)
	assert.Equal(t, "https://cdn.example.com/B08N5WRWNW/00.jpg", success.Stored[0].PublicURL)
	assert.Equal(t, []byte("jpeg-a"), h.blobs.puts["B08N5WRWNW/00.jpg"])
	assert.Len(t, h.products.images["B08N5WRWNW"], 1)

	budget := controller.Snapshot()
	assert.Equal(t, 1, budget.HourlyCount)
	assert.Equal(t, 1, budget.TotalRequests)
	assert.Equal(t, 0, budget.ErrorCount)
	assert.Equal(t, 0, budget.Reserved)
}

func TestAcquire_ConcurrentCallersShareOneBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	camo := camouflage.New(camouflage.WithRand(rand.New(rand.NewSource(3))))
	controller := ratelimit.NewController(ratelimit.Limits{HourlyLimit: 5}, camo, ratelimit.WithClock(clock))

	h := newHarness(t, controller, WithClock(clock))
	codes := []string{"B08N5WRWNW", "B07XJ8C8F5", "B01N9SXYZQ", "B0C1234567"}
	for _, code := range codes {
		h.registerWidget(code)
	}

	outcomes := make([]Outcome, len(codes))
	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = h.pipeline.Acquire(context.Background(), code)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, outcome := range outcomes {
		switch o := outcome.(type) {
		case Success:
			succeeded++
		case AdmissionDenied:
			assert.Equal(t, ratelimit.ReasonTooSoon, o.Reason)
		default:
			t.Fatalf("unexpected outcome %s: %s", outcome.Kind(), outcome.Message())
		}
	}
	assert.Equal(t, 1, succeeded)

	budget := controller.Snapshot()
	assert.Equal(t, 1, budget.HourlyCount)
	assert.Equal(t, 0, budget.Reserved)
}

func TestAcquire_ReservesOneSlotPerRequest(t *testing.T) {
	t.Run("direct identifier", func(t *testing.T) {
		gate := allowAll()
		h := newHarness(t, gate)
		h.registerWidget("B08N5WRWNW")

		require.IsType(t, Success{}, h.pipeline.Acquire(context.Background(), "B08N5WRWNW"))
		assert.Equal(t, []int{1}, gate.requested)
		assert.Equal(t, 0, gate.released)
		assert.Equal(t, 1, gate.successes)
	})

	t.Run("search result not found releases the product slot", func(t *testing.T) {
		gate := allowAll()
		h := newHarness(t, gate)
		h.transport.RegisterRegexpResponder(http.MethodGet, searchURL, htmlResponder(http.StatusOK, placeholderSearchPage))

		require.IsType(t, NotFound{}, h.pipeline.Acquire(context.Background(), "SKU-1234"))
		assert.Equal(t, []int{2}, gate.requested)
		assert.Equal(t, 1, gate.released)
		assert.Equal(t, 1, gate.successes)
	})

	t.Run("cancelled before any request releases everything", func(t *testing.T) {
		gate := allowAll()
		h := newHarness(t, gate)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.IsType(t, Failed{}, h.pipeline.Acquire(ctx, "012345678905"))
		assert.Equal(t, []int{2}, gate.requested)
		assert.Equal(t, 2, gate.released)
	})
}

func TestAcquire_SecondAttemptIsAlreadyExists(t *testing.T) {
	h := newHarness(t, nil)
	h.registerWidget("B08N5WRWNW")

	first := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")
	require.IsType(t, Success{}, first)
	calls := h.transport.GetTotalCallCount()

	second := h.pipeline.Acquire(context.Background(), "b08n5wrwnw")
	exists, ok := second.(AlreadyExists)
	require.True(t, ok, "expected already exists, got %s", second.Kind())
	assert.Equal(t, "ref-B08N5WRWNW", exists.Ref)

	assert.Equal(t, calls, h.transport.GetTotalCallCount())
	assert.Equal(t, 1, h.products.creates)
	assert.Len(t, h.blobs.puts, 1)
	assert.Len(t, h.products.images["B08N5WRWNW"], 1)
}

func TestAcquire_CreateRaceSkipsUploads(t *testing.T) {
	h := newHarness(t, nil)
	h.registerWidget("B08N5WRWNW")
	h.products.raceOnce = true

	outcome := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")

	exists, ok := outcome.(AlreadyExists)
	require.True(t, ok, "expected already exists, got %s", outcome.Kind())
	assert.Equal(t, "ref-B08N5WRWNW", exists.Ref)
	assert.Empty(t, h.blobs.puts)
	assert.Empty(t, h.products.images)
}

func TestAcquire_AdmissionDeniedMakesNoRequests(t *testing.T) {
	gate := &fakeGate{decision: ratelimit.Decision{Reason: ratelimit.ReasonHighErrorRate, Wait: 5 * time.Minute}}
	h := newHarness(t, gate)

	outcome := h.pipeline.Acquire(context.Background(), "012345678905")

	denied, ok := outcome.(AdmissionDenied)
	require.True(t, ok)
	assert.Equal(t, ratelimit.ReasonHighErrorRate, denied.Reason)
	assert.Equal(t, 5*time.Minute, denied.Wait)
	assert.Equal(t, 0, h.transport.GetTotalCallCount())
	assert.Equal(t, 1, gate.checks)

	wait, ok := RetryAfter(outcome)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Minute, wait)
}

func TestAcquire_ClassificationRejected(t *testing.T) {
	gate := allowAll()
	h := newHarness(t, gate)

	outcome := h.pipeline.Acquire(context.Background(), "!!")

	failed, ok := outcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, StageClassify, failed.Stage)
	assert.ErrorIs(t, failed, identifier.ErrUnrecognizedFormat)
	assert.Equal(t, 0, h.products.lookups)
	assert.Equal(t, 0, gate.checks)
}

func TestAcquire_LookupError(t *testing.T) {
	gate := allowAll()
	h := newHarness(t, gate)
	h.products.lookupErr = errors.New("connection refused")

	outcome := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")

	failed, ok := outcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, StageLookup, failed.Stage)
	assert.Equal(t, 0, gate.checks)
}

func TestAcquire_ProductNotFound(t *testing.T) {
	gate := allowAll()
	h := newHarness(t, gate)
	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/B000MISSIN"),
		htmlResponder(http.StatusNotFound, "<html>Page Not Found</html>"))

	outcome := h.pipeline.Acquire(context.Background(), "B000MISSIN")

	notFound, ok := outcome.(NotFound)
	require.True(t, ok, "got %s", outcome.Kind())
	assert.Equal(t, "B000MISSIN", notFound.Identifier.Code)
	assert.Equal(t, []int{http.StatusNotFound}, gate.failures)
}

func TestAcquire_RateLimitedUsesRetryAfter(t *testing.T) {
	gate := allowAll()
	h := newHarness(t, gate)
	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/B08N5WRWNW"),
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusTooManyRequests, "")
			resp.Header.Set("Retry-After", "120")
			return resp, nil
		})

	outcome := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")

	limited, ok := outcome.(RateLimited)
	require.True(t, ok, "got %s", outcome.Kind())
	assert.Equal(t, 120*time.Second, limited.Wait)
	assert.Equal(t, []int{http.StatusTooManyRequests}, gate.failures)
}

func TestAcquire_RateLimitedBacksOffWithoutHint(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/B08N5WRWNW"),
		htmlResponder(http.StatusServiceUnavailable, ""))

	outcome := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")

	limited, ok := outcome.(RateLimited)
	require.True(t, ok)
	assert.Greater(t, limited.Wait, time.Duration(0))
}

func TestAcquire_BotChallengeIsRateLimited(t *testing.T) {
	gate := allowAll()
	h := newHarness(t, gate)
	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/B08N5WRWNW"),
		htmlResponder(http.StatusOK, captchaPage))

	outcome := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")

	assert.IsType(t, RateLimited{}, outcome)
	assert.Equal(t, []int{http.StatusServiceUnavailable}, gate.failures)
	assert.Equal(t, 0, gate.successes)
}

func TestAcquire_TimeoutFails(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/B08N5WRWNW"),
		httpmock.NewErrorResponder(timeoutErr{}))

	outcome := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")

	failed, ok := outcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, StageFetch, failed.Stage)
	assert.Equal(t, "timeout", failed.Reason)
	assert.ErrorIs(t, failed, fetcher.ErrTimeout)
}

func TestAcquire_MissingTitleFails(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/B08N5WRWNW"),
		htmlResponder(http.StatusOK, "<html><body><p>Something else</p></body></html>"))

	outcome := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")

	failed, ok := outcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, StageExtract, failed.Stage)
	assert.Equal(t, 0, h.products.creates)
}

func TestAcquire_SearchRecoveryAndCache(t *testing.T) {
	gate := allowAll()
	h := newHarness(t, gate)

	searches := 0
	h.transport.RegisterRegexpResponder(http.MethodGet, searchURL, func(req *http.Request) (*http.Response, error) {
		searches++
		assert.Equal(t, "012345678905", req.URL.Query().Get("k"))
		return htmlResponder(http.StatusOK, searchPage)(req)
	})
	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/B07XJ8C8F5"),
		htmlResponder(http.StatusNotFound, ""))

	first := h.pipeline.Acquire(context.Background(), "012345678905")
	assert.IsType(t, NotFound{}, first)
	assert.Equal(t, 1, searches)

	h.transport.RegisterRegexpResponder(http.MethodGet, pageURL("https://www.amazon.com/dp/B07XJ8C8F5"),
		htmlResponder(http.StatusOK, widgetPage))
	h.transport.RegisterResponder(http.MethodGet, imageA, httpmock.NewBytesResponder(http.StatusOK, []byte("a")))
	h.transport.RegisterResponder(http.MethodGet, imageB, httpmock.NewBytesResponder(http.StatusOK, []byte("b")))

	second := h.pipeline.Acquire(context.Background(), "012345678905")
	success, ok := second.(Success)
	require.True(t, ok, "got %s: %s", second.Kind(), second.Message())
	assert.Equal(t, 1, searches)
	assert.Equal(t, []int{2, 1}, gate.requested)
	assert.Equal(t, "B07XJ8C8F5", success.Record.ASIN)
	assert.Equal(t, "012345678905", success.Record.Code)
	assert.Equal(t, string(identifier.KindUPC), success.Record.Kind)
}

func TestAcquire_PlaceholderSearchResultIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.RegisterRegexpResponder(http.MethodGet, searchURL, htmlResponder(http.StatusOK, placeholderSearchPage))

	outcome := h.pipeline.Acquire(context.Background(), "SKU-1234")

	notFound, ok := outcome.(NotFound)
	require.True(t, ok, "got %s", outcome.Kind())
	assert.Equal(t, identifier.KindSKU, notFound.Identifier.Kind)
	assert.Equal(t, 1, h.transport.GetTotalCallCount())
}

func TestAcquire_CustomPlaceholder(t *testing.T) {
	rejectB07 := func(asin string) bool { return asin == "B07XJ8C8F5" }
	h := newHarness(t, nil, WithPlaceholder(rejectB07), WithSearchCacheSize(0))
	h.transport.RegisterRegexpResponder(http.MethodGet, searchURL, htmlResponder(http.StatusOK, searchPage))

	outcome := h.pipeline.Acquire(context.Background(), "012345678905")
	assert.IsType(t, NotFound{}, outcome)
}

func TestAcquire_BlobFailureStillSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	h.registerWidget("B08N5WRWNW")
	h.blobs.err = errors.New("disk full")

	outcome := h.pipeline.Acquire(context.Background(), "B08N5WRWNW")

	success, ok := outcome.(Success)
	require.True(t, ok)
	assert.Equal(t, 1, success.Counts.Succeeded)
	assert.Equal(t, 0, success.Counts.Stored)
	assert.Empty(t, h.products.images)
}

func TestAcquire_CancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := h.pipeline.Acquire(ctx, "B08N5WRWNW")

	failed, ok := outcome.(Failed)
	require.True(t, ok)
	assert.Equal(t, "cancelled", failed.Reason)
	assert.Equal(t, 0, h.transport.GetTotalCallCount())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camouflage")
	assert.Contains(t, err.Error(), "blobs")
}
