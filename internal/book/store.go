// Package book keeps an in-memory top of book per token, fed by the CLOB
// market websocket and seeded from REST snapshots.
package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/metrics"
	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

type depth map[string]trading.Level // keyed by canonical price

type tokenBook struct {
	bids      depth
	asks      depth
	updatedAt time.Time
}

func newTokenBook() *tokenBook {
	return &tokenBook{bids: make(depth), asks: make(depth)}
}

// Store implements trading.QuoteSupplier. A token's quotes are reported
// missing once they are older than MaxAge (0 disables the check).
type Store struct {
	mu      sync.RWMutex
	books   map[string]*tokenBook
	maxAge  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption { return func(s *Store) { s.now = now } }

func WithMetrics(m *metrics.Metrics) StoreOption { return func(s *Store) { s.metrics = m } }

func NewStore(maxAge time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		books:  make(map[string]*tokenBook),
		maxAge: maxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) BestQuotes(tokenID string) (trading.TopOfBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[tokenID]
	if !ok || b.updatedAt.IsZero() {
		return trading.TopOfBook{}, false
	}
	if s.maxAge > 0 && s.now().Sub(b.updatedAt) > s.maxAge {
		return trading.TopOfBook{}, false
	}
	return trading.TopOfBook{Bid: b.bids.best(true), Ask: b.asks.best(false), UpdatedAt: b.updatedAt}, true
}

func (d depth) best(highest bool) *trading.Level {
	var out *trading.Level
	for _, lv := range d {
		if out == nil || (highest && lv.Price.GreaterThan(out.Price)) || (!highest && lv.Price.LessThan(out.Price)) {
			l := lv
			out = &l
		}
	}
	return out
}

// Replace installs a full snapshot for tokenID.
func (s *Store) Replace(tokenID string, bids, asks []trading.Level, at time.Time) {
	b := newTokenBook()
	for _, lv := range bids {
		b.bids.set(lv)
	}
	for _, lv := range asks {
		b.asks.set(lv)
	}
	b.updatedAt = at

	s.mu.Lock()
	s.books[tokenID] = b
	s.mu.Unlock()
}

func (d depth) set(lv trading.Level) {
	key := lv.Price.String()
	if !lv.Size.IsPositive() {
		delete(d, key)
		return
	}
	d[key] = lv
}

// SetLevel applies one aggregated level change. Size zero removes the level.
func (s *Store) SetLevel(tokenID string, side trading.Side, price, size decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookLocked(tokenID)
	if side == trading.Buy {
		b.bids.set(trading.Level{Price: price, Size: size})
	} else {
		b.asks.set(trading.Level{Price: price, Size: size})
	}
	b.updatedAt = at
}

// Trim drops levels that cross the venue-reported best prices. A nil price
// leaves that side untouched. A bid of 0, or an ask of 0 or 1, means the
// side is empty.
func (s *Store) Trim(tokenID string, bestBid, bestAsk *decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookLocked(tokenID)
	if bestBid != nil {
		for k, lv := range b.bids {
			if !bestBid.IsPositive() || lv.Price.GreaterThan(*bestBid) {
				delete(b.bids, k)
			}
		}
	}
	if bestAsk != nil {
		emptyAsks := !bestAsk.IsPositive() || bestAsk.GreaterThanOrEqual(decimal.NewFromInt(1))
		for k, lv := range b.asks {
			if emptyAsks || lv.Price.LessThan(*bestAsk) {
				delete(b.asks, k)
			}
		}
	}
	b.updatedAt = at
}

// Touch marks every known book as current. The feed calls it when the
// connection proves alive without any book activity.
func (s *Store) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.books {
		if !b.updatedAt.IsZero() {
			b.updatedAt = at
		}
	}
}

// Forget drops books for tokens no longer traded.
func (s *Store) Forget(tokenIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokenIDs {
		delete(s.books, t)
	}
}

func (s *Store) bookLocked(tokenID string) *tokenBook {
	b, ok := s.books[tokenID]
	if !ok {
		b = newTokenBook()
		s.books[tokenID] = b
	}
	return b
}

var _ trading.QuoteSupplier = (*Store)(nil)
