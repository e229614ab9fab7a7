package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maltedev/amazon-product-importer/internal/identifier"
)

const searchPage = `<html><body>
<div class="s-main-slot">
  <div data-component-type="s-search-result" data-asin="" class="AdHolder"></div>
  <div data-component-type="s-search-result" data-asin="0000000000"></div>
  <div data-component-type="s-search-result" data-asin="b07xj8c8f5">
    <a class="a-link-normal" href="/Example-Widget/dp/B07XJ8C8F5/ref=sr_1_2">Example Widget</a>
  </div>
  <div data-component-type="s-search-result" data-asin="B08N5WRWNW"></div>
</div>
</body></html>`

func TestRecoverASIN(t *testing.T) {
	e := NewExtractor(nil)

	asin, ok := e.RecoverASIN([]byte(searchPage))
	assert.True(t, ok)
	assert.Equal(t, "B07XJ8C8F5", asin)
}

func TestRecoverASIN_FallsBackToProductLinks(t *testing.T) {
	e := NewExtractor(nil)
	html := `<html><body>
		<a href="/gp/help">help</a>
		<a href="https://www.amazon.com/Other-Thing/dp/B01N9SXYZQ?psc=1">Other thing</a>
	</body></html>`

	asin, ok := e.RecoverASIN([]byte(html))
	assert.True(t, ok)
	assert.Equal(t, "B01N9SXYZQ", asin)
}

func TestRecoverASIN_NoResults(t *testing.T) {
	e := NewExtractor(nil)

	_, ok := e.RecoverASIN([]byte(`<html><body><div class="s-no-results">No results</div></body></html>`))
	assert.False(t, ok)
}

func TestRecoverASIN_CustomPlaceholder(t *testing.T) {
	rejectAll := func(string) bool { return true }
	e := NewExtractor(nil, WithPlaceholder(identifier.PlaceholderFunc(rejectAll)))

	_, ok := e.RecoverASIN([]byte(searchPage))
	assert.False(t, ok)
}

func TestIsBotChallenge(t *testing.T) {
	e := NewExtractor(nil)

	tests := []struct {
		name     string
		html     string
		expected bool
	}{
		{"captcha form", `<form action="/errors/validateCaptcha"><input id="captchacharacters"></form>`, true},
		{"robot check title", `<html><head><title>Robot Check</title></head><body></body></html>`, true},
		{"challenge text", `<p>Enter the characters you see below</p>`, true},
		{"product page", productPage, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, e.IsBotChallenge([]byte(tt.html)))
		})
	}
}
