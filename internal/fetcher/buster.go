package fetcher

import (
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"
)

var cacheBusterParams = []string{"th", "psc", "ref_", "qid", "smid", "_encoding"}

// CacheBuster appends one or two plausible query parameters so repeated
// requests for the same page do not hit intermediate caches with an
// identical URL. It is safe for concurrent use.
type CacheBuster struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewCacheBuster returns a buster drawing from rng, or from a time seeded
// source when rng is nil.
func NewCacheBuster(rng *rand.Rand) *CacheBuster {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &CacheBuster{rng: rng}
}

// Bust returns rawURL with cache busting parameters added. Parameters
// already present in the query are left untouched.
func (b *CacheBuster) Bust(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := u.Query()
	n := 1 + b.rng.Intn(2)
	for _, i := range b.rng.Perm(len(cacheBusterParams)) {
		if n == 0 {
			break
		}
		name := cacheBusterParams[i]
		if q.Has(name) {
			continue
		}
		q.Set(name, b.value(name))
		n--
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *CacheBuster) value(name string) string {
	switch name {
	case "th", "psc":
		return "1"
	case "ref_":
		return "sr_1_" + strconv.Itoa(1+b.rng.Intn(16))
	case "qid":
		return strconv.FormatInt(time.Now().Unix()-int64(b.rng.Intn(600)), 10)
	case "smid":
		return "ATVPDKIKX0DER"
	default:
		return "UTF8"
	}
}
