// Package camouflage supplies the human-looking surface of outgoing requests:
// browser identities, matching header sets, action delays and backoff.
package camouflage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Action selects the delay distribution of a simulated user action.
type Action string

const (
	ActionPageLoad Action = "page_load"
	ActionSearch   Action = "search"
	ActionClick    Action = "click"
	ActionScroll   Action = "scroll"
	ActionImage    Action = "image"
	ActionTyping   Action = "typing"
)

// DelayRange bounds the pause drawn for one action.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// DefaultDelays returns the per-action pause ranges.
func DefaultDelays() map[Action]DelayRange {
	return map[Action]DelayRange{
		ActionPageLoad: {2000 * time.Millisecond, 5000 * time.Millisecond},
		ActionSearch:   {1500 * time.Millisecond, 4000 * time.Millisecond},
		ActionClick:    {300 * time.Millisecond, 1200 * time.Millisecond},
		ActionScroll:   {500 * time.Millisecond, 2000 * time.Millisecond},
		ActionImage:    {200 * time.Millisecond, 800 * time.Millisecond},
		ActionTyping:   {50 * time.Millisecond, 250 * time.Millisecond},
	}
}

var spacingActions = []Action{ActionPageLoad, ActionSearch, ActionScroll, ActionClick}

const (
	DefaultRotationInterval = 30 * time.Minute
	DefaultBackoffBase      = time.Second
	DefaultBackoffCeiling   = 5 * time.Minute

	// MinUserAgents is the smallest identity pool a Provider accepts.
	MinUserAgents = 10
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Provider owns the session identity and the randomness behind every delay.
// It is safe for concurrent use.
type Provider struct {
	mu            sync.Mutex
	rng           *rand.Rand
	now           func() time.Time
	sleep         SleepFunc
	pool          []string
	delays        map[Action]DelayRange
	rotation      time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration
	current       Identity
	identitySince time.Time
	logger        *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithRand injects the random source; tests pass a seeded one.
func WithRand(rng *rand.Rand) Option {
	return func(p *Provider) { p.rng = rng }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithSleeper replaces the cooperative sleep used by Pause.
func WithSleeper(sleep SleepFunc) Option {
	return func(p *Provider) { p.sleep = sleep }
}

// WithUserAgents replaces the identity pool. Pools smaller than
// MinUserAgents are ignored and the default pool stays in place.
func WithUserAgents(agents []string) Option {
	return func(p *Provider) {
		if len(agents) >= MinUserAgents {
			p.pool = agents
		}
	}
}

func WithRotationInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.rotation = d
		}
	}
}

func WithBackoff(base, ceiling time.Duration) Option {
	return func(p *Provider) {
		if base > 0 {
			p.backoffBase = base
		}
		if ceiling > 0 {
			p.backoffCap = ceiling
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger.With("component", "camouflage") }
}

// New creates a Provider with the default pool, delays and backoff.
func New(opts ...Option) *Provider {
	p := &Provider{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
		sleep:       SleepContext,
		pool:        DefaultUserAgents(),
		delays:      DefaultDelays(),
		rotation:    DefaultRotationInterval,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCeiling,
		logger:      slog.Default().With("component", "camouflage"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CurrentIdentity returns the session identity, drawing a new one when none
// exists yet or the current one is older than the rotation interval.
func (p *Provider) CurrentIdentity() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.current.UserAgent == "" || now.Sub(p.identitySince) > p.rotation {
		p.current = p.drawIdentity()
		p.identitySince = now
		p.logger.Debug("rotated identity",
			"family", p.current.Family,
			"platform", p.current.Platform,
			"brand", p.current.Brand)
	}
	return p.current
}

// PeekIdentity returns the current identity and when it was drawn without
// rotating it. The identity is zero until the first CurrentIdentity call.
func (p *Provider) PeekIdentity() (Identity, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.identitySince
}

// IdentitySince returns when the current identity was drawn.
func (p *Provider) IdentitySince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identitySince
}

func (p *Provider) drawIdentity() Identity {
	id := parseUserAgent(p.pool[p.rng.Intn(len(p.pool))])
	id.AcceptLanguage = acceptLanguages[p.rng.Intn(len(acceptLanguages))]
	id.Viewport = viewports[p.rng.Intn(len(viewports))]
	if id.Family != FamilySafari {
		id.DoNotTrack = p.rng.Intn(2) == 0
	}
	if id.Family == FamilyChromium {
		id.ViewportHint = p.rng.Intn(3) == 0
	}
	return id
}

// HeadersFor builds a document request header set consistent with the
// identity's browser family.
func (p *Provider) HeadersFor(id Identity) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", id.UserAgent)
	h.Set("Accept-Language", id.AcceptLanguage)
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")

	switch id.Family {
	case FamilyChromium:
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7")
		h.Set("Sec-Ch-Ua", secChUa(id))
		h.Set("Sec-Ch-Ua-Mobile", "?0")
		h.Set("Sec-Ch-Ua-Platform", strconv.Quote(id.Platform))
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "none")
		h.Set("Sec-Fetch-User", "?1")
		if id.ViewportHint && id.Viewport.Width > 0 {
			h.Set("Viewport-Width", strconv.Itoa(id.Viewport.Width))
		}
	case FamilyFirefox:
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "none")
		h.Set("Sec-Fetch-User", "?1")
		h.Set("TE", "trailers")
	case FamilySafari:
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}

	if id.DoNotTrack {
		h.Set("DNT", "1")
	}
	return h
}

// ImageHeadersFor adapts the identity's header set to an image subresource.
func (p *Provider) ImageHeadersFor(id Identity, referer string) http.Header {
	h := p.HeadersFor(id)
	h.Del("Upgrade-Insecure-Requests")
	h.Del("Sec-Fetch-User")
	h.Set("Accept", "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8")
	if referer != "" {
		h.Set("Referer", referer)
	}
	if id.Family != FamilySafari {
		h.Set("Sec-Fetch-Dest", "image")
		h.Set("Sec-Fetch-Mode", "no-cors")
		h.Set("Sec-Fetch-Site", "cross-site")
	}
	return h
}

func secChUa(id Identity) string {
	v := id.MajorVersion
	if v == "" {
		v = "124"
	}
	return fmt.Sprintf(`"Chromium";v="%s", "%s";v="%s", "Not-A.Brand";v="99"`, v, id.Brand, v)
}

// DelayFor samples a normal distribution centred on the action's range,
// with sigma a sixth of the width, clamped to [min, max].
func (p *Provider) DelayFor(action Action) time.Duration {
	r, ok := p.delays[action]
	if !ok {
		r = p.delays[ActionClick]
	}

	p.mu.Lock()
	z := boxMuller(p.rng)
	p.mu.Unlock()

	mean := float64(r.Min+r.Max) / 2
	sigma := float64(r.Max-r.Min) / 6
	d := time.Duration(mean + z*sigma)
	if d < r.Min {
		d = r.Min
	}
	if d > r.Max {
		d = r.Max
	}
	return d
}

// SpacingDelay draws an inter-request gap from a randomly chosen action.
func (p *Provider) SpacingDelay() time.Duration {
	p.mu.Lock()
	action := spacingActions[p.rng.Intn(len(spacingActions))]
	p.mu.Unlock()
	return p.DelayFor(action)
}

// BackoffFor returns base*2^attempt capped at the ceiling with ±25% jitter.
// It is advisory; callers decide whether to wait.
func (p *Provider) BackoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.backoffCap
	if attempt < 32 {
		if scaled := p.backoffBase << uint(attempt); scaled > 0 && scaled < p.backoffCap {
			d = scaled
		}
	}

	p.mu.Lock()
	factor := 0.75 + p.rng.Float64()*0.5
	p.mu.Unlock()

	jittered := time.Duration(float64(d) * factor)
	if jittered > p.backoffCap {
		jittered = p.backoffCap
	}
	return jittered
}

// Pause sleeps for a delay drawn for the action, returning early on cancel.
func (p *Provider) Pause(ctx context.Context, action Action) error {
	return p.sleep(ctx, p.DelayFor(action))
}

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func boxMuller(rng *rand.Rand) float64 {
	u1 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	u2 := rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
