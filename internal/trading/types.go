// Package trading holds the domain types shared by the pair executor, the
// mismatch resolver and the venue/quote adapters.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPairNotAvailable is returned by a PairResolver when no tradable window
// exists for the symbol right now.
var ErrPairNotAvailable = errors.New("pair not available")

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Signed returns size with the sign inventory accounting uses for side:
// positive for buys, negative for sells.
func (s Side) Signed(size decimal.Decimal) decimal.Decimal {
	if s == Sell {
		return size.Neg()
	}
	return size
}

type TimeInForce string

const (
	FillOrKill        TimeInForce = "FOK"
	ImmediateOrCancel TimeInForce = "IOC"
)

// Pair is one up/down market window resolved for a symbol.
type Pair struct {
	Symbol      string
	Slug        string
	ConditionID string
	TokenA      string
	TokenB      string
}

func (p Pair) String() string {
	return fmt.Sprintf("%s(%s)", p.Symbol, p.Slug)
}

// OrderIntent is an unsigned limit order. Values are built fresh for every
// submission and never modified afterwards.
type OrderIntent struct {
	TokenID     string
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimeInForce TimeInForce
}

var one = decimal.NewFromInt(1)

func (o OrderIntent) Validate() error {
	if strings.TrimSpace(o.TokenID) == "" {
		return fmt.Errorf("order intent: token id required")
	}
	switch o.Side {
	case Buy, Sell:
	default:
		return fmt.Errorf("order intent: invalid side %q", o.Side)
	}
	switch o.TimeInForce {
	case FillOrKill, ImmediateOrCancel:
	default:
		return fmt.Errorf("order intent: invalid time in force %q", o.TimeInForce)
	}
	if !o.Price.IsPositive() || o.Price.GreaterThanOrEqual(one) {
		return fmt.Errorf("order intent: price %s outside (0, 1)", o.Price)
	}
	if !o.Size.IsPositive() {
		return fmt.Errorf("order intent: size %s must be > 0", o.Size)
	}
	return nil
}

// Notional is price*size in collateral units.
func (o OrderIntent) Notional() decimal.Decimal {
	return o.Price.Mul(o.Size)
}

// SignedOrder is an intent plus whatever the venue needs to post it without
// signing again. Payload is opaque outside the venue adapter.
type SignedOrder struct {
	Intent  OrderIntent
	Payload any
}

// LegStatus is the venue's verdict on one submitted order.
type LegStatus int

const (
	// StatusUnknown means the venue accepted the order but did not confirm
	// whether it matched. It is never treated as filled or as cancelled.
	StatusUnknown LegStatus = iota
	StatusFilled
	StatusCancelled
)

func (s LegStatus) String() string {
	switch s {
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// LegOutcome is the classified result for one order, position-aligned with
// the submitted batch.
type LegOutcome struct {
	TokenID    string
	Status     LegStatus
	OrderID    string
	FilledSize decimal.Decimal
	Err        string
}

func (o LegOutcome) Filled() bool    { return o.Status == StatusFilled }
func (o LegOutcome) Cancelled() bool { return o.Status == StatusCancelled }

type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// TopOfBook is the best bid and ask for one token. Either side may be absent.
type TopOfBook struct {
	Bid       *Level
	Ask       *Level
	UpdatedAt time.Time
}

// Venue builds, signs and submits orders. Outcome classification happens
// inside the venue; callers only read LegOutcome.Status.
type Venue interface {
	BuildOrder(tokenID string, side Side, price, size decimal.Decimal, tif TimeInForce) (OrderIntent, error)
	Sign(ctx context.Context, order OrderIntent) (SignedOrder, error)
	// Submit signs and posts orders in one batch. Each order carries its own
	// time in force.
	Submit(ctx context.Context, orders []OrderIntent) ([]LegOutcome, error)
	SubmitSigned(ctx context.Context, orders []SignedOrder) ([]LegOutcome, error)
}

type QuoteSupplier interface {
	BestQuotes(tokenID string) (TopOfBook, bool)
}

type PairResolver interface {
	ResolvePair(ctx context.Context, symbol string, now time.Time) (Pair, error)
}
