// Package ratelimit gates acquisition attempts against an hourly budget, an
// error-rate breaker and a human-like minimum spacing between requests.
//
// Admission reserves request slots under the controller's lock, so callers
// running acquisitions concurrently still behave like one operator.
package ratelimit

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/maltedev/amazon-product-importer/internal/camouflage"
)

// Reason explains why an admission was denied.
type Reason string

const (
	ReasonHourlyLimitExceeded Reason = "HourlyLimitExceeded"
	ReasonHighErrorRate       Reason = "HighErrorRate"
	ReasonTooSoon             Reason = "TooSoon"
)

const (
	DefaultHourlyLimit        = 30
	DefaultErrorRateThreshold = 0.10
	DefaultBreakerCooldown    = 5 * time.Minute
)

// Decision is advisory: a denied decision carries how long to wait, the
// controller itself never sleeps.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Reason  Reason        `json:"reason,omitempty"`
	Wait    time.Duration `json:"wait"`
}

// Budget is a snapshot of the request budget state.
type Budget struct {
	HourlyCount   int                 `json:"hourly_count"`
	DailyCount    int                 `json:"daily_count"`
	TotalRequests int                 `json:"total_requests"`
	ErrorCount    int                 `json:"error_count"`
	LastRequestAt time.Time           `json:"last_request_at"`
	HourStart     time.Time           `json:"hour_start"`
	DayStart      time.Time           `json:"day_start"`
	NextSpacing   time.Duration       `json:"next_spacing"`
	Reserved      int                 `json:"reserved"`
	Identity      camouflage.Identity `json:"identity"`
	IdentitySince time.Time           `json:"identity_since"`
}

// ErrorRate is ErrorCount/TotalRequests, zero before the first request.
func (b Budget) ErrorRate() float64 {
	if b.TotalRequests == 0 {
		return 0
	}
	return float64(b.ErrorCount) / float64(b.TotalRequests)
}

// Limits configures the admission controller.
type Limits struct {
	HourlyLimit        int
	ErrorRateThreshold float64
	BreakerCooldown    time.Duration
}

// DefaultLimits returns 30 requests per hour, a 10% error-rate breaker and a
// five minute cooldown.
func DefaultLimits() Limits {
	return Limits{
		HourlyLimit:        DefaultHourlyLimit,
		ErrorRateThreshold: DefaultErrorRateThreshold,
		BreakerCooldown:    DefaultBreakerCooldown,
	}
}

// Controller owns the request budget. One controller is shared by every
// acquisition in the process; all state changes happen under mu.
type Controller struct {
	mu     sync.Mutex
	limits Limits
	camo   *camouflage.Provider
	now    func() time.Time
	logger *slog.Logger

	hourlyCount   int
	dailyCount    int
	totalRequests int
	errorCount    int
	lastRequestAt time.Time
	hourStart     time.Time
	dayStart      time.Time
	nextSpacing   time.Duration
	reserved      int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now; tests drive the windows with a fake clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger.With("component", "admission") }
}

// NewController creates a controller with fresh hourly and daily windows.
// Zero limits fall back to the defaults.
func NewController(limits Limits, camo *camouflage.Provider, opts ...Option) *Controller {
	if limits.HourlyLimit <= 0 {
		limits.HourlyLimit = DefaultHourlyLimit
	}
	if limits.ErrorRateThreshold <= 0 {
		limits.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if limits.BreakerCooldown <= 0 {
		limits.BreakerCooldown = DefaultBreakerCooldown
	}

	c := &Controller{
		limits: limits,
		camo:   camo,
		now:    time.Now,
		logger: slog.Default().With("component", "admission"),
	}
	for _, opt := range opts {
		opt(c)
	}

	now := c.now()
	c.hourStart = now
	c.dayStart = now
	return c
}

// Check reports whether one request could be admitted now. It reserves
// nothing; use Admit before actually issuing requests.
func (c *Controller) Check() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rollover(now)
	return c.evaluate(now, 1)
}

// Admit decides whether an acquisition needing the given number of requests
// may start and, when it may, reserves those slots in the current windows.
// The reservation also moves LastRequestAt, so a concurrent caller is held
// back by the spacing rule until the admitted acquisition has been paced.
// Every reserved slot is settled by RecordSuccess, RecordFailure or Release.
func (c *Controller) Admit(requests int) Decision {
	if requests < 1 {
		requests = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rollover(now)

	d := c.evaluate(now, requests)
	if !d.Allowed {
		return d
	}

	c.hourlyCount += requests
	c.dailyCount += requests
	c.reserved += requests
	c.lastRequestAt = now
	if c.camo != nil {
		c.nextSpacing = c.camo.SpacingDelay()
	}
	return d
}

// evaluate applies the hard cap, the breaker and the spacing rule. Caller
// holds mu.
func (c *Controller) evaluate(now time.Time, requests int) Decision {
	if c.hourlyCount+requests > c.limits.HourlyLimit {
		wait := c.hourStart.Add(time.Hour).Sub(now)
		if wait < 0 {
			wait = 0
		}
		c.logger.Warn("admission denied",
			"reason", ReasonHourlyLimitExceeded,
			"hourly_count", c.hourlyCount,
			"requested", requests,
			"wait", wait)
		return Decision{Reason: ReasonHourlyLimitExceeded, Wait: wait}
	}

	if c.totalRequests > 0 {
		rate := float64(c.errorCount) / float64(c.totalRequests)
		if rate > c.limits.ErrorRateThreshold {
			c.logger.Warn("admission denied",
				"reason", ReasonHighErrorRate,
				"error_rate", rate,
				"wait", c.limits.BreakerCooldown)
			return Decision{Reason: ReasonHighErrorRate, Wait: c.limits.BreakerCooldown}
		}
	}

	if !c.lastRequestAt.IsZero() {
		elapsed := now.Sub(c.lastRequestAt)
		if elapsed < c.nextSpacing {
			wait := c.nextSpacing - elapsed
			c.logger.Debug("admission denied", "reason", ReasonTooSoon, "wait", wait)
			return Decision{Reason: ReasonTooSoon, Wait: wait}
		}
	}

	return Decision{Allowed: true}
}

// RecordSuccess settles a completed request and draws the spacing the next
// admission has to respect. A request without a reservation is counted
// against the windows here.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rollover(now)

	if c.reserved > 0 {
		c.reserved--
	} else {
		c.hourlyCount++
		c.dailyCount++
	}
	c.totalRequests++
	c.lastRequestAt = now
	if c.camo != nil {
		c.nextSpacing = c.camo.SpacingDelay()
	}
}

// RecordFailure counts a failed request. status is the HTTP status when one
// was received, zero for transport failures. A reserved slot stays counted
// in the windows since the request was issued.
func (c *Controller) RecordFailure(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.now())

	if c.reserved > 0 {
		c.reserved--
	}
	c.errorCount++
	c.totalRequests++

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		c.logger.Warn("rate limit signal received",
			"status", status,
			"error_count", c.errorCount,
			"total_requests", c.totalRequests)
	}
}

// Release returns reserved slots that were never used, for example the
// product request of an acquisition whose search found nothing.
func (c *Controller) Release(requests int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.now())

	n := min(requests, c.reserved)
	if n <= 0 {
		return
	}
	c.reserved -= n
	c.hourlyCount = max(c.hourlyCount-n, 0)
	c.dailyCount = max(c.dailyCount-n, 0)
}

// Snapshot returns the budget state without rotating the identity.
func (c *Controller) Snapshot() Budget {
	c.mu.Lock()
	c.rollover(c.now())
	b := Budget{
		HourlyCount:   c.hourlyCount,
		DailyCount:    c.dailyCount,
		TotalRequests: c.totalRequests,
		ErrorCount:    c.errorCount,
		LastRequestAt: c.lastRequestAt,
		HourStart:     c.hourStart,
		DayStart:      c.dayStart,
		NextSpacing:   c.nextSpacing,
		Reserved:      c.reserved,
	}
	c.mu.Unlock()

	if c.camo != nil {
		b.Identity, b.IdentitySince = c.camo.PeekIdentity()
	}
	return b
}

// rollover resets counters whose window has elapsed. Caller holds mu.
func (c *Controller) rollover(now time.Time) {
	if now.Sub(c.hourStart) > time.Hour {
		c.logger.Debug("hourly window reset", "hourly_count", c.hourlyCount)
		c.hourlyCount = 0
		c.hourStart = now
	}
	if now.Sub(c.dayStart) > 24*time.Hour {
		c.logger.Debug("daily window reset",
			"daily_count", c.dailyCount,
			"error_count", c.errorCount)
		c.dailyCount = 0
		c.errorCount = 0
		c.dayStart = now
	}
}
