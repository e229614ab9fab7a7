package camouflage

import (
	"regexp"
	"strings"
)

// Family is the browser engine family a user agent belongs to.
type Family string

const (
	FamilyChromium Family = "chromium"
	FamilyFirefox  Family = "firefox"
	FamilySafari   Family = "safari"
)

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Identity is the consistent bundle of user agent, header choices and
// viewport presented for the duration of one session.
type Identity struct {
	UserAgent      string   `json:"user_agent"`
	Family         Family   `json:"family"`
	Brand          string   `json:"brand"`
	MajorVersion   string   `json:"major_version"`
	Platform       string   `json:"platform"`
	AcceptLanguage string   `json:"accept_language"`
	DoNotTrack     bool     `json:"do_not_track"`
	ViewportHint   bool     `json:"viewport_hint"`
	Viewport       Viewport `json:"viewport"`
}

// DefaultUserAgents is the pool identities are drawn from.
func DefaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.2478.80",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.2478.80",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.4; rv:125.0) Gecko/20100101 Firefox/125.0",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Safari/605.1.15",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
	}
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.8",
	"en-US,en;q=0.9,de;q=0.7",
	"en-GB,en-US;q=0.9,en;q=0.8",
	"en-US,en;q=0.9,es;q=0.8",
}

var viewports = []Viewport{
	{1920, 1080},
	{1536, 864},
	{1440, 900},
	{1366, 768},
	{2560, 1440},
	{1680, 1050},
}

var (
	edgeVersion    = regexp.MustCompile(`Edg/(\d+)`)
	chromeVersion  = regexp.MustCompile(`Chrome/(\d+)`)
	firefoxVersion = regexp.MustCompile(`Firefox/(\d+)`)
	safariVersion  = regexp.MustCompile(`Version/(\d+)`)
)

// parseUserAgent derives family, brand, major version and platform from a UA.
func parseUserAgent(ua string) Identity {
	id := Identity{UserAgent: ua, Platform: platformOf(ua)}

	switch {
	case strings.Contains(ua, "Firefox/"):
		id.Family = FamilyFirefox
		id.Brand = "Firefox"
		id.MajorVersion = firstGroup(firefoxVersion, ua)
	case strings.Contains(ua, "Edg/"):
		id.Family = FamilyChromium
		id.Brand = "Microsoft Edge"
		id.MajorVersion = firstGroup(edgeVersion, ua)
	case strings.Contains(ua, "Chrome/"):
		id.Family = FamilyChromium
		id.Brand = "Google Chrome"
		id.MajorVersion = firstGroup(chromeVersion, ua)
	case strings.Contains(ua, "Safari/"):
		id.Family = FamilySafari
		id.Brand = "Safari"
		id.MajorVersion = firstGroup(safariVersion, ua)
	default:
		id.Family = FamilyChromium
		id.Brand = "Google Chrome"
	}
	return id
}

func platformOf(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X"):
		return "macOS"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return ""
}
