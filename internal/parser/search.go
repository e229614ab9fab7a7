package parser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/amazon-product-importer/internal/identifier"
)

var botChallengePhrases = []string{
	"enter the characters you see",
	"type the characters you see",
	"sorry, we just need to make sure you're not a robot",
	"klicke auf die schaltfläche unten",
}

// RecoverASIN returns the first non-placeholder ASIN of a search result
// page, falling back to product links when no result card carries one.
func (e *Extractor) RecoverASIN(html []byte) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", false
	}
	return e.RecoverASINDocument(doc)
}

func (e *Extractor) RecoverASINDocument(doc *goquery.Document) (string, bool) {
	var found string
	doc.Find(`[data-component-type="s-search-result"][data-asin]`).EachWithBreak(func(i int, s *goquery.Selection) bool {
		asin := strings.ToUpper(strings.TrimSpace(s.AttrOr("data-asin", "")))
		if identifier.ValidASIN(asin, e.placeholder) {
			found = asin
			return false
		}
		return true
	})
	if found != "" {
		return found, true
	}

	doc.Find(`a[href*="/dp/"]`).EachWithBreak(func(i int, s *goquery.Selection) bool {
		asin, ok := identifier.ExtractASIN(s.AttrOr("href", ""))
		if ok && identifier.ValidASIN(asin, e.placeholder) {
			found = asin
			return false
		}
		return true
	})
	return found, found != ""
}

// IsBotChallenge reports whether the page is a captcha interstitial rather
// than the requested content.
func (e *Extractor) IsBotChallenge(html []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return false
	}
	return IsBotChallengeDocument(doc)
}

func IsBotChallengeDocument(doc *goquery.Document) bool {
	if doc.Find(`form[action*="validateCaptcha"]`).Length() > 0 {
		return true
	}
	if doc.Find("#captchacharacters").Length() > 0 {
		return true
	}
	if strings.Contains(strings.ToLower(doc.Find("title").Text()), "robot check") {
		return true
	}

	content := strings.ToLower(doc.Text())
	for _, phrase := range botChallengePhrases {
		if strings.Contains(content, phrase) {
			return true
		}
	}
	return false
}
