package browser

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/amazon-product-importer/internal/camouflage"
)

var errPoolClosed = errors.New("browser is closed")

// lease is one browser context and the number of pages open on it.
type lease struct {
	bctx      playwright.BrowserContext
	userAgent string
	pages     int
	retired   bool
}

// contextPool hands out the browser context for the current identity. When
// the identity rotates the old context is retired and closed once its last
// page is released.
type contextPool struct {
	open   func(camouflage.Identity) (playwright.BrowserContext, error)
	logger *slog.Logger

	mu      sync.Mutex
	current *lease
	closed  bool
}

func newContextPool(open func(camouflage.Identity) (playwright.BrowserContext, error), logger *slog.Logger) *contextPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &contextPool{open: open, logger: logger}
}

// acquire returns a lease for id's user agent. Every successful acquire
// must be paired with release.
func (p *contextPool) acquire(id camouflage.Identity) (*lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errPoolClosed
	}
	if p.current != nil && p.current.userAgent == id.UserAgent {
		p.current.pages++
		return p.current, nil
	}
	if p.current != nil {
		p.retire(p.current)
		p.current = nil
	}

	bctx, err := p.open(id)
	if err != nil {
		return nil, err
	}
	p.current = &lease{bctx: bctx, userAgent: id.UserAgent, pages: 1}
	return p.current, nil
}

func (p *contextPool) release(l *lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l.pages--
	if l.retired && l.pages == 0 {
		p.closeLease(l)
	}
}

// retire is called with mu held.
func (p *contextPool) retire(l *lease) {
	l.retired = true
	if l.pages == 0 {
		p.closeLease(l)
	}
}

func (p *contextPool) closeLease(l *lease) {
	if err := l.bctx.Close(); err != nil {
		p.logger.Warn("failed to close stale context", "user_agent", l.userAgent, "error", err)
	}
}

// Close closes the current context even if pages are still open on it.
func (p *contextPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.current == nil {
		return nil
	}
	l := p.current
	p.current = nil
	if err := l.bctx.Close(); err != nil {
		return fmt.Errorf("failed to close context: %w", err)
	}
	return nil
}
