package models

import (
	"errors"
	"time"
)

// ErrAlreadyExists is returned by product sinks when a record with the same
// code is already stored. Existing records are never overwritten.
var ErrAlreadyExists = errors.New("product already exists")

// ProductRecord is the persisted form of an acquired product.
type ProductRecord struct {
	Code        string     `json:"code"`
	Kind        string     `json:"kind"`
	ASIN        string     `json:"asin"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Bullets     []string   `json:"bullets,omitempty"`
	Brand       string     `json:"brand,omitempty"`
	UPC         string     `json:"upc,omitempty"`
	Price       *float64   `json:"price,omitempty"`
	SalePrice   float64    `json:"sale_price"`
	Dimensions  *Dimension `json:"dimensions,omitempty"`
	Weight      *Weight    `json:"weight,omitempty"`
	ImageURLs   []string   `json:"image_urls,omitempty"`
	AcquiredAt  time.Time  `json:"acquired_at"`
}

// StoredImage links an uploaded blob to its product and position.
type StoredImage struct {
	Position    int    `json:"position"`
	SourceURL   string `json:"source_url"`
	PublicURL   string `json:"public_url"`
	StorageKey  string `json:"storage_key"`
	ContentType string `json:"content_type"`
}

// StoredProduct is a product record together with its attached images,
// ordered by position.
type StoredProduct struct {
	Ref       string        `json:"ref"`
	Record    ProductRecord `json:"product"`
	Images    []StoredImage `json:"images"`
	CreatedAt time.Time     `json:"created_at"`
}
