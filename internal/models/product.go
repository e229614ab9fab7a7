package models

import (
	"fmt"
	"strings"
	"time"
)

// ScrapedProduct is the transient result of extracting one product page.
// Optional fields are nil or empty when the page did not carry them.
type ScrapedProduct struct {
	ASIN        string     `json:"asin"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Price       *float64   `json:"price,omitempty"`
	Images      []string   `json:"images"`
	Description string     `json:"description"`
	Bullets     []string   `json:"bullets"`
	Brand       string     `json:"brand"`
	UPC         string     `json:"upc,omitempty"`
	Dimensions  *Dimension `json:"dimensions,omitempty"`
	Weight      *Weight    `json:"weight,omitempty"`
	ScrapedAt   time.Time  `json:"scraped_at"`
}

type Dimension struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Unit   string  `json:"unit"`
}

type Weight struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// ImageResult records the outcome of downloading one image. Position is the
// index in the deduplicated image list and does not shift when others fail.
type ImageResult struct {
	SourceURL     string `json:"source_url"`
	Position      int    `json:"position"`
	Success       bool   `json:"success"`
	Bytes         []byte `json:"-"`
	ContentType   string `json:"content_type,omitempty"`
	StorageKey    string `json:"storage_key,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func NewScrapedProduct(asin string) *ScrapedProduct {
	return &ScrapedProduct{
		ASIN:      asin,
		Images:    make([]string, 0),
		Bullets:   make([]string, 0),
		ScrapedAt: time.Now(),
	}
}

func (d *Dimension) IsValid() bool {
	return d.Length > 0 && d.Width > 0 && d.Height > 0 && d.Unit != ""
}

func (d *Dimension) String() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%s x %s x %s %s", formatFloat(d.Length), formatFloat(d.Width), formatFloat(d.Height), d.Unit)
}

func (w *Weight) IsValid() bool {
	return w.Value > 0 && w.Unit != ""
}

func (w *Weight) String() string {
	if w == nil {
		return ""
	}
	return fmt.Sprintf("%s %s", formatFloat(w.Value), w.Unit)
}

func formatFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
