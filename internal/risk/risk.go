// Package risk implements the pre-trade admission check and the post-fill
// bookkeeping of realized PnL and per-token inventory.
package risk

import (
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"
)

// Limits are fixed for the lifetime of a run.
type Limits struct {
	MaxDailyLoss         decimal.Decimal
	MaxInventoryPerToken decimal.Decimal
}

func (l Limits) Validate() error {
	if !l.MaxDailyLoss.IsPositive() {
		return fmt.Errorf("max daily loss must be > 0, got %s", l.MaxDailyLoss)
	}
	if !l.MaxInventoryPerToken.IsPositive() {
		return fmt.Errorf("max inventory per token must be > 0, got %s", l.MaxInventoryPerToken)
	}
	return nil
}

// State is the realized PnL and signed inventory per token. Inventory keys
// are created on first fill and never removed; zero is a valid position.
type State struct {
	RealizedPnL decimal.Decimal
	Inventory   map[string]decimal.Decimal
}

func NewState() *State {
	return &State{Inventory: make(map[string]decimal.Decimal)}
}

func (s *State) ApplyFill(tokenID string, delta decimal.Decimal) {
	if s.Inventory == nil {
		s.Inventory = make(map[string]decimal.Decimal)
	}
	s.Inventory[tokenID] = s.Inventory[tokenID].Add(delta)
}

func (s *State) ApplyPnL(pnl decimal.Decimal) {
	s.RealizedPnL = s.RealizedPnL.Add(pnl)
}

func (s *State) clone() State {
	out := State{RealizedPnL: s.RealizedPnL, Inventory: make(map[string]decimal.Decimal, len(s.Inventory))}
	for k, v := range s.Inventory {
		out.Inventory[k] = v
	}
	return out
}

// CanTrade reports whether a new pair on tokenA/tokenB may be submitted.
// The daily loss check is a one-way switch: it stays tripped until
// RealizedPnL is reset from outside.
func CanTrade(s State, l Limits, tokenA, tokenB string) bool {
	ok, _ := check(s, l, tokenA, tokenB)
	return ok
}

func check(s State, l Limits, tokenA, tokenB string) (bool, string) {
	if s.RealizedPnL.LessThanOrEqual(l.MaxDailyLoss.Neg()) {
		return false, fmt.Sprintf("daily loss pnl=%s limit=%s", s.RealizedPnL, l.MaxDailyLoss)
	}
	for _, tok := range []string{tokenA, tokenB} {
		if inv := s.Inventory[tok]; inv.Abs().GreaterThan(l.MaxInventoryPerToken) {
			return false, fmt.Sprintf("inventory token=%s inv=%s limit=%s", tok, inv, l.MaxInventoryPerToken)
		}
	}
	return true, ""
}

// Gate is the single process-wide owner of a State. All reads and writes go
// through its mutex so symbols processed concurrently see one ledger.
type Gate struct {
	limits Limits

	mu    sync.Mutex
	state *State
}

func NewGate(limits Limits) (*Gate, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Gate{limits: limits, state: NewState()}, nil
}

func (g *Gate) Limits() Limits { return g.limits }

func (g *Gate) CanTrade(tokenA, tokenB string) bool {
	g.mu.Lock()
	ok, reason := check(*g.state, g.limits, tokenA, tokenB)
	g.mu.Unlock()
	if !ok {
		log.Printf("[risk] deny: %s", reason)
	}
	return ok
}

func (g *Gate) ApplyFill(tokenID string, delta decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.ApplyFill(tokenID, delta)
}

func (g *Gate) ApplyPnL(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.ApplyPnL(pnl)
}

// Snapshot returns a deep copy of the current state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

// ResetRealizedPnL zeroes realized PnL for a new trading day and returns the
// value it replaced. Inventory is left untouched.
func (g *Gate) ResetRealizedPnL() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.state.RealizedPnL
	g.state.RealizedPnL = decimal.Zero
	return prev
}
