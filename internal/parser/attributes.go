package parser

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
)

// attribute is one label/value row of the product detail tables. Label is
// lowercased and stripped of direction marks and trailing colons.
type attribute struct {
	Label string
	Value string
}

var attributeTables = []string{
	"#productOverview_feature_div tr",
	"#productDetails_techSpec_section_1 tr",
	"#productDetails_techSpec_section_2 tr",
	"#productDetails_detailBullets_sections1 tr",
	"table.prodDetTable tr",
}

const (
	detailBulletsXPath = `//div[@id='detailBullets_feature_div']//li`
	bulletLabelXPath   = `.//span[contains(@class,'a-text-bold')]`
	bulletValueXPath   = `.//span[contains(@class,'a-text-bold')]/following-sibling::span[1]`
)

// attributeRows collects rows from the detail tables (CSS) and the detail
// bullet list (XPath), in that order.
func attributeRows(doc *goquery.Document) []attribute {
	var rows []attribute
	seen := map[string]bool{}
	add := func(label, value string) {
		label = cleanLabel(label)
		value = collapseSpace(stripMarks(value))
		if label == "" || value == "" {
			return
		}
		key := label + "\x00" + value
		if seen[key] {
			return
		}
		seen[key] = true
		rows = append(rows, attribute{Label: label, Value: value})
	}

	for _, selector := range attributeTables {
		doc.Find(selector).Each(func(i int, s *goquery.Selection) {
			label := s.Find("th").First().Text()
			cells := s.Find("td")
			if label == "" && cells.Length() >= 2 {
				label = cells.First().Text()
			}
			add(label, cells.Last().Text())
		})
	}

	if len(doc.Nodes) == 0 {
		return rows
	}
	items, err := htmlquery.QueryAll(doc.Nodes[0], detailBulletsXPath)
	if err != nil {
		return rows
	}
	for _, item := range items {
		labelNode := htmlquery.FindOne(item, bulletLabelXPath)
		valueNode := htmlquery.FindOne(item, bulletValueXPath)
		if labelNode == nil || valueNode == nil {
			continue
		}
		add(htmlquery.InnerText(labelNode), htmlquery.InnerText(valueNode))
	}
	return rows
}

// attributeValue matches rows whose label equals one of labels.
func attributeValue(labels ...string) TextStrategy {
	return func(doc *goquery.Document) (string, bool) {
		rows := attributeRows(doc)
		for _, want := range labels {
			for _, row := range rows {
				if row.Label == want {
					return row.Value, true
				}
			}
		}
		return "", false
	}
}

// attributeContaining matches the first row whose label contains any of
// words as a whole word. The first token of the value is returned.
func attributeContaining(words ...string) TextStrategy {
	return func(doc *goquery.Document) (string, bool) {
		for _, row := range attributeRows(doc) {
			if !hasWord(row.Label, words) {
				continue
			}
			if fields := strings.Fields(row.Value); len(fields) > 0 {
				return fields[0], true
			}
		}
		return "", false
	}
}

func hasWord(label string, words []string) bool {
	tokens := strings.FieldsFunc(label, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		for _, word := range words {
			if token == word {
				return true
			}
		}
	}
	return false
}

func stripMarks(s string) string {
	return strings.NewReplacer("\u200e", "", "\u200f", "", "\u00a0", " ").Replace(s)
}

func cleanLabel(s string) string {
	s = collapseSpace(stripMarks(s))
	s = strings.TrimSpace(strings.TrimRight(s, ": "))
	return strings.ToLower(s)
}
