package acquisition

import "math"

// PriceRule derives the sale price from the scraped price.
type PriceRule struct {
	// Markup is a fraction: 0.2 sells at 120% of the scraped price.
	Markup float64
	// DefaultPrice is used when the page carried no price.
	DefaultPrice float64
}

// Apply returns price*(1+Markup) rounded to cents, or DefaultPrice when
// price is nil.
func (r PriceRule) Apply(price *float64) float64 {
	if price == nil {
		return r.DefaultPrice
	}
	return math.Round(*price*(1+r.Markup)*100) / 100
}
