// Package tradingtest provides in-memory Venue and QuoteSupplier fakes.
package tradingtest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

// Call records one invocation on the fake venue.
type Call struct {
	Method string
	Orders []trading.OrderIntent
}

// Venue records every call. Outcomes are returned in order, one slice per
// Submit/SubmitSigned call; when the queue is empty every order is reported
// as filled.
type Venue struct {
	mu sync.Mutex

	Calls    []Call
	Outcomes [][]trading.LegOutcome

	BuildErr  error
	SignErr   error
	SubmitErr error
	// SubmitErrs is consumed one entry per submit call before Outcomes; a
	// nil entry lets that call succeed.
	SubmitErrs []error
}

func (v *Venue) BuildOrder(tokenID string, side trading.Side, price, size decimal.Decimal, tif trading.TimeInForce) (trading.OrderIntent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o := trading.OrderIntent{TokenID: tokenID, Side: side, Price: price, Size: size, TimeInForce: tif}
	v.Calls = append(v.Calls, Call{Method: "build", Orders: []trading.OrderIntent{o}})
	if v.BuildErr != nil {
		return trading.OrderIntent{}, v.BuildErr
	}
	return o, nil
}

func (v *Venue) Sign(_ context.Context, o trading.OrderIntent) (trading.SignedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Calls = append(v.Calls, Call{Method: "sign", Orders: []trading.OrderIntent{o}})
	if v.SignErr != nil {
		return trading.SignedOrder{}, v.SignErr
	}
	return trading.SignedOrder{Intent: o, Payload: "signed"}, nil
}

func (v *Venue) Submit(_ context.Context, orders []trading.OrderIntent) ([]trading.LegOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Calls = append(v.Calls, Call{Method: "submit", Orders: append([]trading.OrderIntent(nil), orders...)})
	return v.nextLocked(orders)
}

func (v *Venue) SubmitSigned(_ context.Context, orders []trading.SignedOrder) ([]trading.LegOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	intents := make([]trading.OrderIntent, len(orders))
	for i, o := range orders {
		intents[i] = o.Intent
	}
	v.Calls = append(v.Calls, Call{Method: "submit_signed", Orders: intents})
	return v.nextLocked(intents)
}

func (v *Venue) nextLocked(orders []trading.OrderIntent) ([]trading.LegOutcome, error) {
	if v.SubmitErr != nil {
		return nil, v.SubmitErr
	}
	if len(v.SubmitErrs) > 0 {
		err := v.SubmitErrs[0]
		v.SubmitErrs = v.SubmitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(v.Outcomes) > 0 {
		out := v.Outcomes[0]
		v.Outcomes = v.Outcomes[1:]
		return out, nil
	}
	out := make([]trading.LegOutcome, len(orders))
	for i, o := range orders {
		out[i] = trading.LegOutcome{TokenID: o.TokenID, Status: trading.StatusFilled, FilledSize: o.Size}
	}
	return out, nil
}

// Submissions returns the orders of every submit call in order.
func (v *Venue) Submissions() [][]trading.OrderIntent {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out [][]trading.OrderIntent
	for _, c := range v.Calls {
		if c.Method == "submit" || c.Method == "submit_signed" {
			out = append(out, c.Orders)
		}
	}
	return out
}

func (v *Venue) Methods() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.Calls))
	for i, c := range v.Calls {
		out[i] = c.Method
	}
	return out
}

// Quotes is a map-backed QuoteSupplier.
type Quotes struct {
	mu    sync.Mutex
	books map[string]trading.TopOfBook
}

func NewQuotes() *Quotes {
	return &Quotes{books: make(map[string]trading.TopOfBook)}
}

func (q *Quotes) Set(tokenID, bid, ask string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var tob trading.TopOfBook
	if bid != "" {
		tob.Bid = &trading.Level{Price: decimal.RequireFromString(bid), Size: decimal.NewFromInt(1000)}
	}
	if ask != "" {
		tob.Ask = &trading.Level{Price: decimal.RequireFromString(ask), Size: decimal.NewFromInt(1000)}
	}
	tob.UpdatedAt = time.Now()
	q.books[tokenID] = tob
}

func (q *Quotes) BestQuotes(tokenID string) (trading.TopOfBook, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tob, ok := q.books[tokenID]
	return tob, ok
}

// Outcome is shorthand for building a LegOutcome in tests.
func Outcome(tokenID string, status trading.LegStatus, size string) trading.LegOutcome {
	o := trading.LegOutcome{TokenID: tokenID, Status: status}
	if status == trading.StatusFilled && size != "" {
		o.FilledSize = decimal.RequireFromString(size)
	}
	return o
}
