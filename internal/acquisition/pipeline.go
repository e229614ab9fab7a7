// Package acquisition runs one product acquisition end to end: classify the
// identifier, check for an existing record, pass the admission gate, resolve
// the ASIN, fetch and extract the product page, download images and hand the
// result to the persistence and blob sinks.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maltedev/amazon-product-importer/internal/camouflage"
	"github.com/maltedev/amazon-product-importer/internal/fetcher"
	"github.com/maltedev/amazon-product-importer/internal/identifier"
	"github.com/maltedev/amazon-product-importer/internal/media"
	"github.com/maltedev/amazon-product-importer/internal/metrics"
	"github.com/maltedev/amazon-product-importer/internal/models"
	"github.com/maltedev/amazon-product-importer/internal/parser"
	"github.com/maltedev/amazon-product-importer/internal/ratelimit"
)

const (
	DefaultBaseURL         = "https://www.amazon.com"
	DefaultSearchCacheSize = 1024
)

// ProductSink persists product records. Create never overwrites: it returns
// models.ErrAlreadyExists together with the existing ref on conflict.
type ProductSink interface {
	Lookup(ctx context.Context, code string) (ref string, found bool, err error)
	Create(ctx context.Context, rec models.ProductRecord) (ref string, err error)
	AttachImages(ctx context.Context, code string, images []models.StoredImage) error
}

// BlobSink stores image bytes and returns their public URL.
type BlobSink interface {
	Put(ctx context.Context, code string, position int, data []byte, contentType string) (string, error)
}

// Gate is the admission controller as seen by the pipeline. Admit reserves
// request slots atomically; each reserved slot is settled by exactly one of
// RecordSuccess, RecordFailure or Release.
type Gate interface {
	Admit(requests int) ratelimit.Decision
	RecordSuccess()
	RecordFailure(status int)
	Release(requests int)
}

// Camouflage supplies identities and human-like pauses.
type Camouflage interface {
	CurrentIdentity() camouflage.Identity
	Pause(ctx context.Context, action camouflage.Action) error
	BackoffFor(attempt int) time.Duration
}

// ImageAcquirer downloads the product images of one acquisition.
type ImageAcquirer interface {
	AcquireAll(ctx context.Context, code string, urls []string, max int) media.Report
}

// Dependencies are the collaborators every Pipeline needs.
type Dependencies struct {
	Camouflage Camouflage
	Gate       Gate
	Fetcher    fetcher.PageFetcher
	Parser     parser.Parser
	Images     ImageAcquirer
	Products   ProductSink
	Blobs      BlobSink
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Camouflage == nil {
		missing = append(missing, "camouflage")
	}
	if d.Gate == nil {
		missing = append(missing, "gate")
	}
	if d.Fetcher == nil {
		missing = append(missing, "fetcher")
	}
	if d.Parser == nil {
		missing = append(missing, "parser")
	}
	if d.Images == nil {
		missing = append(missing, "images")
	}
	if d.Products == nil {
		missing = append(missing, "products")
	}
	if d.Blobs == nil {
		missing = append(missing, "blobs")
	}
	if len(missing) > 0 {
		return fmt.Errorf("acquisition: missing dependencies: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Pipeline runs acquisitions. One Pipeline is shared by every caller in the
// process; concurrent acquisitions are paced by the shared Gate.
type Pipeline struct {
	deps        Dependencies
	baseURL     string
	maxImages   int
	pricing     PriceRule
	placeholder identifier.PlaceholderFunc
	cacheSize   int
	searchCache *lru.Cache[string, string]
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu              sync.Mutex
	rateLimitStreak int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithBaseURL(base string) Option {
	return func(p *Pipeline) {
		if base != "" {
			p.baseURL = strings.TrimRight(base, "/")
		}
	}
}

func WithMaxImages(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxImages = n
		}
	}
}

func WithPriceRule(rule PriceRule) Option {
	return func(p *Pipeline) { p.pricing = rule }
}

// WithPlaceholder replaces the predicate that rejects recovered ASINs.
func WithPlaceholder(fn identifier.PlaceholderFunc) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.placeholder = fn
		}
	}
}

// WithSearchCacheSize bounds the code to ASIN cache. Zero disables it.
func WithSearchCacheSize(n int) Option {
	return func(p *Pipeline) { p.cacheSize = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger.With("component", "acquisition") }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline. Every dependency is required.
func New(deps Dependencies, opts ...Option) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		deps:        deps,
		baseURL:     DefaultBaseURL,
		maxImages:   media.DefaultMaxImages,
		placeholder: identifier.DefaultPlaceholder,
		cacheSize:   DefaultSearchCacheSize,
		logger:      slog.Default().With("component", "acquisition"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.cacheSize > 0 {
		cache, err := lru.New[string, string](p.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("acquisition: search cache: %w", err)
		}
		p.searchCache = cache
	}
	return p, nil
}

// Acquire runs the pipeline for one raw identifier. It never returns nil;
// every failure is expressed as an Outcome.
func (p *Pipeline) Acquire(ctx context.Context, input string) Outcome {
	start := p.now()
	outcome := p.acquire(ctx, input)

	p.metrics.IncAcquisition(outcome.Kind())
	p.logger.Info("acquisition finished",
		"input", input,
		"outcome", outcome.Kind(),
		"message", outcome.Message(),
		"duration", p.now().Sub(start))
	return outcome
}

func (p *Pipeline) acquire(ctx context.Context, input string) Outcome {
	id, err := identifier.Classify(input)
	if err != nil {
		return Failed{Stage: StageClassify, Reason: "unrecognized identifier format", Err: err}
	}
	log := p.logger.With("code", id.Code, "kind", id.Kind)
	p.transition(log, StateClassified)

	ref, found, err := p.deps.Products.Lookup(ctx, id.Code)
	if err != nil {
		return Failed{Stage: StageLookup, Reason: "existing product check failed", Err: err}
	}
	if found {
		return AlreadyExists{Identifier: id, Ref: ref}
	}

	asin, resolved := p.cachedASIN(log, id)
	slots := &reservation{requests: 1}
	if !resolved {
		slots.requests = 2
	}

	decision := p.deps.Gate.Admit(slots.requests)
	p.metrics.IncAdmission(string(decision.Reason))
	if !decision.Allowed {
		p.transition(log, StateDenied, "reason", decision.Reason, "wait", decision.Wait)
		return AdmissionDenied{Reason: decision.Reason, Wait: decision.Wait}
	}
	defer p.release(slots)
	p.transition(log, StateGated, "requests", slots.requests)

	identity := p.deps.Camouflage.CurrentIdentity()

	if !resolved {
		var outcome Outcome
		asin, outcome = p.search(ctx, log, id, identity, slots)
		if outcome != nil {
			return outcome
		}
	}

	p.transition(log, StateFetchingProduct, "asin", asin)
	if err := p.deps.Camouflage.Pause(ctx, camouflage.ActionPageLoad); err != nil {
		return Failed{Stage: StageFetch, Reason: "cancelled", Err: err}
	}
	doc, outcome := p.fetch(ctx, StageFetch, p.productURL(asin), id, identity, slots)
	if outcome != nil {
		return outcome
	}

	product, err := p.deps.Parser.Extract(doc.Body, asin)
	if err != nil {
		return Failed{Stage: StageExtract, Reason: "unparseable product page", Err: err}
	}
	if product.Title == "" {
		return Failed{Stage: StageExtract, Reason: "product page has no title"}
	}
	p.transition(log, StateExtracted, "title", product.Title, "images", len(product.Images))

	p.transition(log, StateImagesAcquiring)
	report := p.deps.Images.AcquireAll(ctx, id.Code, product.Images, p.maxImages)

	rec := p.record(id, asin, product)
	ref, err = p.deps.Products.Create(ctx, rec)
	if errors.Is(err, models.ErrAlreadyExists) {
		return AlreadyExists{Identifier: id, Ref: ref}
	}
	if err != nil {
		return Failed{Stage: StagePersist, Reason: "product record could not be stored", Err: err}
	}

	stored := p.storeImages(ctx, log, id.Code, report.Results)
	if len(stored) > 0 {
		if err := p.deps.Products.AttachImages(ctx, id.Code, stored); err != nil {
			log.Error("failed to attach images", "error", err, "ref", ref)
			stored = nil
		}
	}

	p.transition(log, StateDone, "ref", ref)
	return Success{
		Identifier: id,
		Ref:        ref,
		Product:    product,
		Record:     rec,
		Images:     report.Results,
		Stored:     stored,
		Counts: Counts{
			Attempted: len(report.Results),
			Succeeded: report.Succeeded,
			Failed:    report.Failed,
			Stored:    len(stored),
		},
	}
}

// reservation tracks how many admitted request slots one acquisition has
// used so the rest can be handed back.
type reservation struct {
	requests int
	used     int
}

func (p *Pipeline) release(r *reservation) {
	if unused := r.requests - r.used; unused > 0 {
		p.deps.Gate.Release(unused)
	}
}

// cachedASIN returns the catalog ASIN for id when no search is needed.
func (p *Pipeline) cachedASIN(log *slog.Logger, id identifier.Identifier) (string, bool) {
	if id.Direct() {
		return id.Code, true
	}
	if p.searchCache != nil {
		if asin, ok := p.searchCache.Get(id.Code); ok {
			p.metrics.IncSearchCacheHit()
			log.Debug("search cache hit", "asin", asin)
			return asin, true
		}
	}
	return "", false
}

// search recovers the catalog ASIN for a code that does not address a
// catalog page directly.
func (p *Pipeline) search(ctx context.Context, log *slog.Logger, id identifier.Identifier, identity camouflage.Identity, slots *reservation) (string, Outcome) {
	p.transition(log, StateFetchingSearch)
	if err := p.deps.Camouflage.Pause(ctx, camouflage.ActionSearch); err != nil {
		return "", Failed{Stage: StageSearch, Reason: "cancelled", Err: err}
	}
	doc, outcome := p.fetch(ctx, StageSearch, p.searchURL(id.Code), id, identity, slots)
	if outcome != nil {
		return "", outcome
	}

	asin, ok := p.deps.Parser.RecoverASIN(doc.Body)
	if !ok || !identifier.ValidASIN(asin, p.placeholder) {
		log.Info("no usable search result", "recovered", asin)
		return "", NotFound{Identifier: id}
	}

	if p.searchCache != nil {
		p.searchCache.Add(id.Code, asin)
	}
	return asin, nil
}

// fetch performs one page request and settles one reserved slot with the
// gate. A captcha interstitial counts as a failed, rate-limited request.
func (p *Pipeline) fetch(ctx context.Context, stage Stage, rawURL string, id identifier.Identifier, identity camouflage.Identity, slots *reservation) (*fetcher.Document, Outcome) {
	slots.used++
	doc, err := p.deps.Fetcher.Fetch(ctx, rawURL, identity)
	if err != nil {
		p.deps.Gate.RecordFailure(fetcher.StatusOf(err))
		return nil, p.fetchFailure(stage, id, err)
	}

	if p.deps.Parser.IsBotChallenge(doc.Body) {
		p.deps.Gate.RecordFailure(503)
		p.logger.Warn("bot challenge served", "url", rawURL, "code", id.Code)
		return nil, RateLimited{Wait: p.rateLimitWait(0)}
	}

	p.deps.Gate.RecordSuccess()
	p.resetRateLimitStreak()
	return doc, nil
}

func (p *Pipeline) fetchFailure(stage Stage, id identifier.Identifier, err error) Outcome {
	switch {
	case errors.Is(err, fetcher.ErrNotFound):
		return NotFound{Identifier: id}
	case errors.Is(err, fetcher.ErrRateLimited):
		return RateLimited{Wait: p.rateLimitWait(fetcher.RetryAfterOf(err))}
	case errors.Is(err, fetcher.ErrTimeout):
		return Failed{Stage: stage, Reason: "timeout", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Failed{Stage: stage, Reason: "cancelled", Err: err}
	default:
		return Failed{Stage: stage, Reason: "unexpected response", Err: err}
	}
}

// rateLimitWait prefers the server's Retry-After hint and otherwise backs
// off exponentially over consecutive rate-limited responses.
func (p *Pipeline) rateLimitWait(retryAfter time.Duration) time.Duration {
	p.mu.Lock()
	attempt := p.rateLimitStreak
	p.rateLimitStreak++
	p.mu.Unlock()

	if retryAfter > 0 {
		return retryAfter
	}
	return p.deps.Camouflage.BackoffFor(attempt)
}

func (p *Pipeline) resetRateLimitStreak() {
	p.mu.Lock()
	p.rateLimitStreak = 0
	p.mu.Unlock()
}

// storeImages uploads every successful image. A failed upload is logged and
// skipped; nothing already stored is rolled back.
func (p *Pipeline) storeImages(ctx context.Context, log *slog.Logger, code string, results []models.ImageResult) []models.StoredImage {
	var stored []models.StoredImage
	for _, r := range results {
		if !r.Success {
			continue
		}
		publicURL, err := p.deps.Blobs.Put(ctx, code, r.Position, r.Bytes, r.ContentType)
		if err != nil {
			log.Warn("image upload failed", "position", r.Position, "error", err)
			continue
		}
		stored = append(stored, models.StoredImage{
			Position:    r.Position,
			SourceURL:   r.SourceURL,
			PublicURL:   publicURL,
			StorageKey:  r.StorageKey,
			ContentType: r.ContentType,
		})
	}
	return stored
}

func (p *Pipeline) record(id identifier.Identifier, asin string, product *models.ScrapedProduct) models.ProductRecord {
	return models.ProductRecord{
		Code:        id.Code,
		Kind:        string(id.Kind),
		ASIN:        asin,
		URL:         p.productURL(asin),
		Title:       product.Title,
		Description: product.Description,
		Bullets:     product.Bullets,
		Brand:       product.Brand,
		UPC:         product.UPC,
		Price:       product.Price,
		SalePrice:   p.pricing.Apply(product.Price),
		Dimensions:  product.Dimensions,
		Weight:      product.Weight,
		ImageURLs:   product.Images,
		AcquiredAt:  p.now().UTC(),
	}
}

func (p *Pipeline) productURL(asin string) string {
	return p.baseURL + "/dp/" + asin
}

func (p *Pipeline) searchURL(code string) string {
	return p.baseURL + "/s?k=" + url.QueryEscape(code)
}
