package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maltedev/amazon-product-importer/internal/acquisition"
	"github.com/maltedev/amazon-product-importer/internal/browser"
	"github.com/maltedev/amazon-product-importer/internal/camouflage"
	"github.com/maltedev/amazon-product-importer/internal/config"
	"github.com/maltedev/amazon-product-importer/internal/database"
	"github.com/maltedev/amazon-product-importer/internal/fetcher"
	"github.com/maltedev/amazon-product-importer/internal/media"
	"github.com/maltedev/amazon-product-importer/internal/metrics"
	"github.com/maltedev/amazon-product-importer/internal/parser"
	"github.com/maltedev/amazon-product-importer/internal/ratelimit"
	"github.com/maltedev/amazon-product-importer/internal/storage"
)

// app holds the process-wide collaborators. One camouflage provider and one
// admission controller are shared by every acquisition.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	db       *database.DB
	products *database.ProductRepository
	outbox   *database.OutboxRepository
	camo     *camouflage.Provider
	gate     *ratelimit.Controller
	pipeline *acquisition.Pipeline
	closers  []func() error
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		metrics:  metrics.New(),
		db:       db,
		products: database.NewProductRepository(db, log),
		outbox:   database.NewOutboxRepository(db),
	}
	a.closers = append(a.closers, func() error { db.Close(); return nil })

	a.camo = camouflage.New(
		camouflage.WithUserAgents(cfg.Scraper.UserAgents),
		camouflage.WithRotationInterval(cfg.Scraper.RotationInterval),
		camouflage.WithLogger(log),
	)
	a.gate = ratelimit.NewController(ratelimit.Limits{
		HourlyLimit:        cfg.Scraper.HourlyLimit,
		ErrorRateThreshold: cfg.Scraper.ErrorRateThreshold,
		BreakerCooldown:    cfg.Scraper.BreakerCooldown,
	}, a.camo, ratelimit.WithLogger(log))

	pages, err := a.pageFetcher()
	if err != nil {
		a.Close()
		return nil, err
	}

	blobs, err := storage.NewFileBlobStore(cfg.Storage.Root, cfg.Storage.PublicBaseURL, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	images := media.NewAcquirer(a.camo,
		media.WithReferer(strings.TrimRight(cfg.Scraper.BaseURL, "/")+"/"),
		media.WithTimeout(cfg.Scraper.ImageTimeout),
		media.WithMetrics(a.metrics),
		media.WithLogger(log),
	)

	a.pipeline, err = acquisition.New(acquisition.Dependencies{
		Camouflage: a.camo,
		Gate:       a.gate,
		Fetcher:    pages,
		Parser:     parser.NewExtractor(log, parser.WithBaseURL(cfg.Scraper.BaseURL)),
		Images:     images,
		Products:   a.products,
		Blobs:      blobs,
	},
		acquisition.WithBaseURL(cfg.Scraper.BaseURL),
		acquisition.WithMaxImages(cfg.Scraper.MaxImages),
		acquisition.WithPriceRule(acquisition.PriceRule{
			Markup:       cfg.Scraper.Markup,
			DefaultPrice: cfg.Scraper.DefaultPrice,
		}),
		acquisition.WithSearchCacheSize(cfg.Scraper.SearchCacheSize),
		acquisition.WithMetrics(a.metrics),
		acquisition.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) pageFetcher() (fetcher.PageFetcher, error) {
	if a.cfg.Scraper.FetcherMode == config.FetcherBrowser {
		b, err := browser.New(&browser.Options{
			Headless:    a.cfg.Browser.Headless,
			Timeout:     a.cfg.Browser.Timeout,
			Locale:      a.cfg.Browser.Locale,
			TimezoneID:  a.cfg.Browser.TimezoneID,
			ProxyServer: a.cfg.Browser.ProxyServer,
			Humanize:    true,
		}, a.camo, a.log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize browser: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		a.log.Info("using browser fetcher", "headless", a.cfg.Browser.Headless)
		return b, nil
	}

	return fetcher.New(a.camo,
		fetcher.WithTimeout(a.cfg.Scraper.FetchTimeout),
		fetcher.WithMetrics(a.metrics),
		fetcher.WithLogger(a.log),
	), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
