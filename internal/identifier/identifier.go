// Package identifier classifies raw product identifiers (ASIN, FNSKU, UPC,
// EAN, SKU or a catalog URL) into a normalized form before any network call.
package identifier

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Kind names the identifier scheme a code was classified as.
type Kind string

const (
	KindASIN  Kind = "ASIN"
	KindFNSKU Kind = "FNSKU"
	KindUPC   Kind = "UPC"
	KindEAN   Kind = "EAN"
	KindSKU   Kind = "SKU"
)

// ErrUnrecognizedFormat is wrapped by every RejectionError.
var ErrUnrecognizedFormat = errors.New("unrecognized identifier format")

// RejectionError carries the input that no classification rule accepted.
type RejectionError struct {
	Input string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnrecognizedFormat, e.Input)
}

func (e *RejectionError) Unwrap() error {
	return ErrUnrecognizedFormat
}

// Identifier is an immutable, normalized product identifier.
type Identifier struct {
	Kind Kind   `json:"kind"`
	Code string `json:"code"`
}

// Direct reports whether the code addresses a catalog page without a search.
func (id Identifier) Direct() bool {
	return id.Kind == KindASIN
}

func (id Identifier) String() string {
	return string(id.Kind) + ":" + id.Code
}

var (
	tenAlnum   = regexp.MustCompile(`^[A-Za-z0-9]{10}$`)
	upcFull    = regexp.MustCompile(`^[0-9]{12}$`)
	eanFull    = regexp.MustCompile(`^[0-9]{13}$`)
	upcShort   = regexp.MustCompile(`^[0-9]{6,8}$`)
	skuPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,}$`)

	urlPathPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/dp/([A-Za-z0-9]{10})(?:[/?#]|$)`),
		regexp.MustCompile(`/gp/product/([A-Za-z0-9]{10})(?:[/?#]|$)`),
		regexp.MustCompile(`/ASIN/([A-Za-z0-9]{10})(?:[/?#]|$)`),
	}
	urlQueryPattern = regexp.MustCompile(`[?&]ASIN=([A-Za-z0-9]{10})(?:[&#]|$)`)
)

// Classify applies the classification rules in order; the first match wins.
func Classify(input string) (Identifier, error) {
	s := strings.TrimSpace(input)

	switch {
	case tenAlnum.MatchString(s):
		code := strings.ToUpper(s)
		switch code[0] {
		case 'B':
			return Identifier{Kind: KindASIN, Code: code}, nil
		case 'X':
			return Identifier{Kind: KindFNSKU, Code: code}, nil
		default:
			return Identifier{Kind: KindASIN, Code: code}, nil
		}
	case upcFull.MatchString(s):
		return Identifier{Kind: KindUPC, Code: s}, nil
	case eanFull.MatchString(s):
		return Identifier{Kind: KindEAN, Code: s}, nil
	case upcShort.MatchString(s):
		return Identifier{Kind: KindUPC, Code: s}, nil
	case skuPattern.MatchString(s):
		return Identifier{Kind: KindSKU, Code: strings.ToUpper(s)}, nil
	}

	if asin, ok := asinFromURL(s); ok {
		return Identifier{Kind: KindASIN, Code: asin}, nil
	}

	return Identifier{}, &RejectionError{Input: input}
}

// ExtractASIN returns the ASIN embedded in a catalog URL.
func ExtractASIN(rawURL string) (string, bool) {
	return asinFromURL(strings.TrimSpace(rawURL))
}

func asinFromURL(s string) (string, bool) {
	if s == "" || (!strings.Contains(s, "/") && !strings.Contains(s, "ASIN=")) {
		return "", false
	}

	target := s
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		target = u.EscapedPath()
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
	}

	for _, pattern := range urlPathPatterns {
		if m := pattern.FindStringSubmatch(target); len(m) == 2 {
			return strings.ToUpper(m[1]), true
		}
	}
	if m := urlQueryPattern.FindStringSubmatch(target); len(m) == 2 {
		return strings.ToUpper(m[1]), true
	}
	return "", false
}

// PlaceholderFunc reports whether an ASIN is a non-product placeholder, such
// as the filler values search pages use for ad slots.
type PlaceholderFunc func(asin string) bool

// DefaultPlaceholder rejects all-zero ASINs and ASINs starting with "0".
func DefaultPlaceholder(asin string) bool {
	if asin == "" {
		return true
	}
	return strings.HasPrefix(asin, "0")
}

// ValidASIN reports whether s looks like a real catalog ASIN.
func ValidASIN(s string, placeholder PlaceholderFunc) bool {
	if !tenAlnum.MatchString(s) {
		return false
	}
	if placeholder == nil {
		placeholder = DefaultPlaceholder
	}
	return !placeholder(strings.ToUpper(s))
}
