package parser

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// sizeModifier matches rendition segments such as "._AC_SL1500_" or
	// "._SX300_SY300_QL70_ML2_" in front of the file extension.
	sizeModifier  = regexp.MustCompile(`\._[A-Za-z0-9,_\-+%]*_(\.(?i:jpe?g|png|gif|webp))$`)
	scriptImageRe = regexp.MustCompile(`"(?:hiRes|large)"\s*:\s*"(https?://[^"]+)"`)
)

// extractImages unions the image strategies into an order-preserving set.
// The hero fallback only runs when nothing else produced a URL.
func (e *Extractor) extractImages(doc *goquery.Document) []string {
	set := newOrderedSet()
	for _, strategy := range e.imageStrategies {
		for _, raw := range strategy(doc) {
			if u, ok := NormalizeImageURL(raw, e.baseURL); ok {
				set.add(u)
			}
		}
	}
	if set.len() == 0 {
		for _, strategy := range e.heroStrategies {
			for _, raw := range strategy(doc) {
				if u, ok := NormalizeImageURL(raw, e.baseURL); ok {
					set.add(u)
				}
			}
		}
	}
	return set.items
}

// NormalizeImageURL makes raw absolute against base and strips size
// modifiers so renditions of one image compare equal. Non-product images
// such as sprites and data URIs are rejected.
func NormalizeImageURL(raw, base string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return "", false
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if !u.IsAbs() {
		b, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		u = b.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.Contains(u.Path, "/images/I/") {
		return "", false
	}

	for {
		stripped := sizeModifier.ReplaceAllString(u.Path, "$1")
		if stripped == u.Path {
			break
		}
		u.Path = stripped
	}
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), true
}

// dynamicImages reads the JSON map carried in data-a-dynamic-image,
// preserving the key order of the document.
func dynamicImages(doc *goquery.Document) []string {
	var urls []string
	doc.Find("img[data-a-dynamic-image]").Each(func(i int, s *goquery.Selection) {
		attr, _ := s.Attr("data-a-dynamic-image")
		urls = append(urls, orderedJSONKeys(attr)...)
	})
	return urls
}

func orderedJSONKeys(raw string) []string {
	dec := json.NewDecoder(strings.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
		keys = append(keys, key)
	}
	return keys
}

func thumbnailImages(doc *goquery.Document) []string {
	var urls []string
	doc.Find("#altImages li img").Each(func(i int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			urls = append(urls, src)
		}
	})
	return urls
}

func scriptImages(doc *goquery.Document) []string {
	var urls []string
	doc.Find("script").Each(func(i int, s *goquery.Selection) {
		for _, m := range scriptImageRe.FindAllStringSubmatch(s.Text(), -1) {
			urls = append(urls, strings.ReplaceAll(m[1], `\/`, "/"))
		}
	})
	return urls
}

func heroImage(doc *goquery.Document) []string {
	var urls []string
	landing := doc.Find("#landingImage").First()
	if v, ok := landing.Attr("data-old-hires"); ok && strings.TrimSpace(v) != "" {
		urls = append(urls, v)
	}
	if v, ok := landing.Attr("src"); ok {
		urls = append(urls, v)
	}
	if v, ok := doc.Find("#imgBlkFront").First().Attr("src"); ok {
		urls = append(urls, v)
	}
	return urls
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]struct{}{}, items: make([]string, 0)}
}

func (s *orderedSet) add(v string) {
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}

func (s *orderedSet) len() int {
	return len(s.items)
}
