package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/amazon-product-importer/internal/identifier"
	"github.com/maltedev/amazon-product-importer/internal/models"
)

const (
	DefaultBaseURL       = "https://www.amazon.com"
	descriptionMaxLength = 500
)

var priceSelectors = []string{
	"#corePriceDisplay_desktop_feature_div .a-price",
	"#corePrice_feature_div .a-price",
	"#apex_desktop .a-price",
	".a-price",
}

// Extractor is the goquery based Parser. Every field is tried through an
// ordered list of strategies; the first hit wins.
type Extractor struct {
	baseURL     string
	placeholder identifier.PlaceholderFunc
	markdown    *md.Converter
	logger      *slog.Logger

	titleStrategies       []TextStrategy
	brandStrategies       []TextStrategy
	descriptionStrategies []TextStrategy
	upcStrategies         []TextStrategy
	imageStrategies       []ImageStrategy
	heroStrategies        []ImageStrategy

	dimensionPatterns []*regexp.Regexp
	weightPatterns    []*regexp.Regexp
}

// NewExtractor returns an Extractor with the default strategies.
func NewExtractor(logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		baseURL:     DefaultBaseURL,
		placeholder: identifier.DefaultPlaceholder,
		markdown:    md.NewConverter("", true, nil),
		logger:      logger.With("component", "extractor"),
		dimensionPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(\d+(?:[,.]\d+)?)\s*(?:in|cm|mm)?\s*x\s*(\d+(?:[,.]\d+)?)\s*(?:in|cm|mm)?\s*x\s*(\d+(?:[,.]\d+)?)\s*(centimeters|cm|millimeters|mm|inches|inch|in|zoll)\b`),
			regexp.MustCompile(`(?i)dimensions.*?:\s*(\d+(?:[,.]\d+)?)\s*x\s*(\d+(?:[,.]\d+)?)\s*x\s*(\d+(?:[,.]\d+)?)\s*(cm|mm|inches|in)`),
		},
		weightPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(\d+(?:[,.]\d+)?)\s*(kilograms|kilogram|kg|grams|gram|g|pounds|pound|lbs|lb|ounces|ounce|oz)\b`),
			regexp.MustCompile(`(?i)weight.*?:\s*(\d+(?:[,.]\d+)?)\s*(kg|g|pounds|lbs|ounces|oz)\b`),
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.titleStrategies = []TextStrategy{
		selectorText("#productTitle"),
	}
	e.brandStrategies = []TextStrategy{
		bylineBrand,
		attributeValue("brand", "brand name", "manufacturer"),
	}
	e.descriptionStrategies = []TextStrategy{
		e.markdownDescription,
		bulletDescription,
	}
	e.upcStrategies = []TextStrategy{
		attributeContaining("upc", "ean"),
	}
	e.imageStrategies = []ImageStrategy{
		dynamicImages,
		thumbnailImages,
		scriptImages,
	}
	e.heroStrategies = []ImageStrategy{
		heroImage,
	}
	return e
}

// Extract parses a product page. It only fails when the document cannot be
// read at all.
func (e *Extractor) Extract(html []byte, asin string) (*models.ScrapedProduct, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return e.ExtractDocument(doc, asin), nil
}

func (e *Extractor) ExtractDocument(doc *goquery.Document, asin string) *models.ScrapedProduct {
	product := models.NewScrapedProduct(asin)
	if asin != "" {
		product.URL = e.baseURL + "/dp/" + asin
	}

	product.Title = firstText(doc, e.titleStrategies)
	product.Price = extractPrice(doc)
	product.Images = e.extractImages(doc)
	product.Bullets = extractBullets(doc)
	product.Brand = firstText(doc, e.brandStrategies)
	product.Description = firstText(doc, e.descriptionStrategies)
	product.UPC = firstText(doc, e.upcStrategies)
	product.Dimensions = e.extractDimensions(doc)
	product.Weight = e.extractWeight(doc)

	e.logger.Debug("extracted product",
		"asin", asin,
		"has_title", product.Title != "",
		"has_price", product.Price != nil,
		"images", len(product.Images),
		"bullets", len(product.Bullets))

	return product
}

func firstText(doc *goquery.Document, strategies []TextStrategy) string {
	for _, strategy := range strategies {
		if v, ok := strategy(doc); ok {
			return v
		}
	}
	return ""
}

func selectorText(selector string) TextStrategy {
	return func(doc *goquery.Document) (string, bool) {
		v := collapseSpace(doc.Find(selector).First().Text())
		return v, v != ""
	}
}

// extractPrice combines the whole and fraction parts of the first price
// block carrying a whole part. The price is never defaulted.
func extractPrice(doc *goquery.Document) *float64 {
	for _, selector := range priceSelectors {
		var price *float64
		doc.Find(selector).EachWithBreak(func(i int, s *goquery.Selection) bool {
			whole := s.Find(".a-price-whole").First().Text()
			fraction := s.Find(".a-price-fraction").First().Text()
			price = parsePriceParts(whole, fraction)
			return price == nil
		})
		if price != nil {
			return price
		}
	}
	return nil
}

func parsePriceParts(whole, fraction string) *float64 {
	w := digitsOnly(whole)
	if w == "" {
		return nil
	}
	f := digitsOnly(fraction)
	if f == "" {
		f = "00"
	}
	v, err := strconv.ParseFloat(w+"."+f, 64)
	if err != nil {
		return nil
	}
	return &v
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func extractBullets(doc *goquery.Document) []string {
	bullets := make([]string, 0)
	doc.Find("#feature-bullets li").Each(func(i int, s *goquery.Selection) {
		if text := collapseSpace(s.Text()); text != "" {
			bullets = append(bullets, text)
		}
	})
	return bullets
}

var bylinePrefixes = []string{"Brand:", "Visit the", "Marke:", "Besuchen Sie den"}
var bylineSuffixes = []string{"-Store", " Store"}

func bylineBrand(doc *goquery.Document) (string, bool) {
	brand := collapseSpace(doc.Find("#bylineInfo").First().Text())
	for _, prefix := range bylinePrefixes {
		brand = strings.TrimSpace(strings.TrimPrefix(brand, prefix))
	}
	for _, suffix := range bylineSuffixes {
		brand = strings.TrimSpace(strings.TrimSuffix(brand, suffix))
	}
	return brand, brand != ""
}

func (e *Extractor) markdownDescription(doc *goquery.Document) (string, bool) {
	sel := doc.Find("#productDescription").First()
	if sel.Length() == 0 {
		return "", false
	}
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", false
	}
	text, err := e.markdown.ConvertString(html)
	if err != nil {
		e.logger.Debug("markdown conversion failed", "error", err)
		text = sel.Text()
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

func bulletDescription(doc *goquery.Document) (string, bool) {
	bullets := extractBullets(doc)
	if len(bullets) == 0 {
		return "", false
	}
	return truncateRunes(strings.Join(bullets, " "), descriptionMaxLength), true
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}

func (e *Extractor) extractDimensions(doc *goquery.Document) *models.Dimension {
	var sources []string
	for _, row := range attributeRows(doc) {
		if strings.Contains(row.Label, "dimensions") {
			sources = append(sources, row.Value)
		}
	}
	sources = append(sources, productDetailsText(doc))

	for _, source := range sources {
		for _, pattern := range e.dimensionPatterns {
			m := pattern.FindStringSubmatch(source)
			if len(m) < 5 {
				continue
			}
			dim := &models.Dimension{
				Length: parseFloat(m[1]),
				Width:  parseFloat(m[2]),
				Height: parseFloat(m[3]),
				Unit:   normalizeUnit(m[4]),
			}
			if dim.IsValid() {
				return dim
			}
		}
	}
	return nil
}

func (e *Extractor) extractWeight(doc *goquery.Document) *models.Weight {
	var sources []string
	for _, row := range attributeRows(doc) {
		if strings.Contains(row.Label, "weight") {
			sources = append(sources, row.Value)
		}
	}
	for _, row := range attributeRows(doc) {
		if strings.Contains(row.Label, "dimensions") {
			if idx := strings.Index(row.Value, ";"); idx >= 0 {
				sources = append(sources, row.Value[idx+1:])
			}
		}
	}

	for _, source := range sources {
		for _, pattern := range e.weightPatterns {
			m := pattern.FindStringSubmatch(source)
			if len(m) < 3 {
				continue
			}
			w := &models.Weight{
				Value: parseFloat(m[1]),
				Unit:  normalizeWeightUnit(m[2]),
			}
			if w.IsValid() {
				return w
			}
		}
	}
	return nil
}

func productDetailsText(doc *goquery.Document) string {
	selectors := []string{
		"#productDetails_techSpec_section_1",
		"#productDetails_detailBullets_sections1",
		"#detailBullets_feature_div",
		".detail-bullet-list",
	}

	var details strings.Builder
	for _, selector := range selectors {
		doc.Find(selector).Each(func(i int, s *goquery.Selection) {
			details.WriteString(s.Text())
			details.WriteString(" ")
		})
	}
	return collapseSpace(details.String())
}

func parseFloat(s string) float64 {
	s = strings.ReplaceAll(s, ",", ".")
	val, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return val
}

func normalizeUnit(unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "cm", "centimeters", "centimeter":
		return "cm"
	case "mm", "millimeters", "millimeter":
		return "mm"
	case "m", "meter":
		return "m"
	case "inches", "inch", "in", "zoll", "\"":
		return "inch"
	default:
		return strings.ToLower(unit)
	}
}

func normalizeWeightUnit(unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "kg", "kilogram", "kilograms":
		return "kg"
	case "g", "gram", "grams":
		return "g"
	case "lb", "lbs", "pound", "pounds":
		return "lb"
	case "oz", "ounce", "ounces":
		return "oz"
	default:
		return strings.ToLower(unit)
	}
}

var whitespace = regexp.MustCompile(`\s+`)

func collapseSpace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
