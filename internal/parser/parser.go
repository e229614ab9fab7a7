// Package parser extracts product fields from catalog pages. Every field is
// resolved by an ordered list of independent strategies; a missing field is
// an empty value, never an error.
package parser

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/amazon-product-importer/internal/identifier"
	"github.com/maltedev/amazon-product-importer/internal/models"
)

// Parser extracts product data from catalog and search pages.
type Parser interface {
	Extract(html []byte, asin string) (*models.ScrapedProduct, error)
	RecoverASIN(html []byte) (string, bool)
	IsBotChallenge(html []byte) bool
}

// TextStrategy returns a field value and whether it found one.
type TextStrategy func(doc *goquery.Document) (string, bool)

// ImageStrategy returns candidate image URLs in discovery order.
type ImageStrategy func(doc *goquery.Document) []string

var _ Parser = (*Extractor)(nil)

// Option configures an Extractor.
type Option func(*Extractor)

func WithPlaceholder(fn identifier.PlaceholderFunc) Option {
	return func(e *Extractor) {
		if fn != nil {
			e.placeholder = fn
		}
	}
}

func WithBaseURL(base string) Option {
	return func(e *Extractor) {
		if base != "" {
			e.baseURL = base
		}
	}
}
