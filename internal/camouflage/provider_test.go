package camouflage

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestProvider(seed int64, clock *fakeClock) *Provider {
	return New(
		WithRand(rand.New(rand.NewSource(seed))),
		WithClock(clock.Now),
		WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
}

func TestDefaultUserAgents_PoolSize(t *testing.T) {
	agents := DefaultUserAgents()
	assert.GreaterOrEqual(t, len(agents), 10)

	families := map[Family]bool{}
	for _, ua := range agents {
		families[parseUserAgent(ua).Family] = true
	}
	assert.True(t, families[FamilyChromium])
	assert.True(t, families[FamilyFirefox])
	assert.True(t, families[FamilySafari])
}

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		ua       string
		family   Family
		brand    string
		version  string
		platform string
	}{
		{DefaultUserAgents()[0], FamilyChromium, "Google Chrome", "124", "Windows"},
		{DefaultUserAgents()[4], FamilyChromium, "Microsoft Edge", "124", "Windows"},
		{DefaultUserAgents()[7], FamilyFirefox, "Firefox", "125", "macOS"},
		{DefaultUserAgents()[9], FamilySafari, "Safari", "17", "macOS"},
	}
	for _, tt := range tests {
		id := parseUserAgent(tt.ua)
		assert.Equal(t, tt.family, id.Family, tt.ua)
		assert.Equal(t, tt.brand, id.Brand, tt.ua)
		assert.Equal(t, tt.version, id.MajorVersion, tt.ua)
		assert.Equal(t, tt.platform, id.Platform, tt.ua)
	}
}

func TestCurrentIdentity_StableWithinRotation(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(1, clock)

	first := p.CurrentIdentity()
	require.NotEmpty(t, first.UserAgent)
	since := p.IdentitySince()

	clock.Advance(29 * time.Minute)
	assert.Equal(t, first, p.CurrentIdentity())
	assert.Equal(t, since, p.IdentitySince())

	clock.Advance(2 * time.Minute)
	p.CurrentIdentity()
	assert.Equal(t, clock.now, p.IdentitySince())
}

func TestPeekIdentity_DoesNotRotate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(1, clock)

	id, since := p.PeekIdentity()
	assert.Empty(t, id.UserAgent)
	assert.True(t, since.IsZero())

	first := p.CurrentIdentity()
	drawnAt := clock.now

	clock.Advance(2 * time.Hour)
	id, since = p.PeekIdentity()
	assert.Equal(t, first, id)
	assert.Equal(t, drawnAt, since)
}

func TestWithUserAgents_RejectsSmallPool(t *testing.T) {
	custom := []string{"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0"}
	p := New(WithUserAgents(custom))
	assert.Len(t, p.pool, len(DefaultUserAgents()))

	large := make([]string, MinUserAgents)
	for i := range large {
		large[i] = custom[0]
	}
	p = New(WithUserAgents(large))
	assert.Equal(t, large, p.pool)
}

func TestHeadersFor_FamilyConsistency(t *testing.T) {
	p := newTestProvider(2, &fakeClock{now: time.Now()})

	chrome := parseUserAgent(DefaultUserAgents()[0])
	chrome.AcceptLanguage = "en-US,en;q=0.9"
	h := p.HeadersFor(chrome)
	assert.Equal(t, chrome.UserAgent, h.Get("User-Agent"))
	assert.Equal(t, `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`, h.Get("Sec-Ch-Ua"))
	assert.Equal(t, `"Windows"`, h.Get("Sec-Ch-Ua-Platform"))
	assert.Equal(t, "navigate", h.Get("Sec-Fetch-Mode"))
	assert.Equal(t, "en-US,en;q=0.9", h.Get("Accept-Language"))

	firefox := parseUserAgent(DefaultUserAgents()[6])
	h = p.HeadersFor(firefox)
	assert.Empty(t, h.Get("Sec-Ch-Ua"))
	assert.Empty(t, h.Get("Viewport-Width"))
	assert.Equal(t, "trailers", h.Get("TE"))

	safari := parseUserAgent(DefaultUserAgents()[9])
	safari.DoNotTrack = true
	h = p.HeadersFor(safari)
	assert.Empty(t, h.Get("Sec-Ch-Ua"))
	assert.Empty(t, h.Get("Sec-Fetch-Mode"))
	assert.Equal(t, "1", h.Get("DNT"))
}

func TestHeadersFor_DrawnIdentitiesNeverMixFamilies(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	p := newTestProvider(3, clock)

	for i := 0; i < 50; i++ {
		clock.Advance(31 * time.Minute)
		id := p.CurrentIdentity()
		h := p.HeadersFor(id)
		if id.Family == FamilyChromium {
			assert.NotEmpty(t, h.Get("Sec-Ch-Ua"))
		} else {
			assert.Empty(t, h.Get("Sec-Ch-Ua"))
			assert.Empty(t, h.Get("Viewport-Width"))
		}
		if id.Family == FamilySafari {
			assert.Empty(t, h.Get("DNT"))
		}
	}
}

func TestImageHeadersFor(t *testing.T) {
	p := newTestProvider(4, &fakeClock{now: time.Now()})
	id := parseUserAgent(DefaultUserAgents()[0])

	h := p.ImageHeadersFor(id, "https://www.amazon.com/")
	assert.Contains(t, h.Get("Accept"), "image/")
	assert.Equal(t, "https://www.amazon.com/", h.Get("Referer"))
	assert.Equal(t, "image", h.Get("Sec-Fetch-Dest"))
	assert.Empty(t, h.Get("Sec-Fetch-User"))
}

func TestDelayFor_WithinRangeAndCentred(t *testing.T) {
	p := newTestProvider(5, &fakeClock{now: time.Now()})

	for action, r := range DefaultDelays() {
		var sum time.Duration
		const n = 2000
		for i := 0; i < n; i++ {
			d := p.DelayFor(action)
			require.GreaterOrEqual(t, d, r.Min, action)
			require.LessOrEqual(t, d, r.Max, action)
			sum += d
		}
		mean := sum / n
		mid := (r.Min + r.Max) / 2
		tolerance := (r.Max - r.Min) / 10
		assert.InDelta(t, float64(mid), float64(mean), float64(tolerance), action)
	}
}

func TestBackoffFor(t *testing.T) {
	p := newTestProvider(6, &fakeClock{now: time.Now()})

	for attempt := 0; attempt < 6; attempt++ {
		expected := time.Second << uint(attempt)
		for i := 0; i < 100; i++ {
			d := p.BackoffFor(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(expected)*0.75))
			assert.LessOrEqual(t, d, time.Duration(float64(expected)*1.25))
		}
	}

	for _, attempt := range []int{9, 20, 64, 1000} {
		d := p.BackoffFor(attempt)
		assert.LessOrEqual(t, d, DefaultBackoffCeiling)
		assert.GreaterOrEqual(t, d, time.Duration(float64(DefaultBackoffCeiling)*0.75))
	}
}

func TestPause_RespectsCancellation(t *testing.T) {
	p := New(WithRand(rand.New(rand.NewSource(7))))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Pause(ctx, ActionPageLoad)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpacingDelay_WithinKnownRanges(t *testing.T) {
	p := newTestProvider(8, &fakeClock{now: time.Now()})
	for i := 0; i < 200; i++ {
		d := p.SpacingDelay()
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 5000*time.Millisecond)
	}
}
