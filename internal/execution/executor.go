// Package execution submits the two buy legs of an up/down pair as one
// fill-or-kill batch.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/journal"
	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

var (
	// ErrSubmit wraps every failure that happens before leg outcomes are
	// known. Nothing was confirmed sent, so the whole pair may be retried.
	ErrSubmit = errors.New("pair submission failed")
	// ErrLegCount is returned when the venue answers with other than two
	// outcomes for a two-leg batch.
	ErrLegCount = errors.New("unexpected leg outcome count")
)

type Strategy string

const (
	// Direct builds both legs and lets the venue sign them at submission.
	Direct Strategy = "direct"
	// PreSigned signs both legs locally before the single batch call.
	PreSigned Strategy = "presigned"
)

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Direct):
		return Direct, nil
	case string(PreSigned), "pre-signed", "presign":
		return PreSigned, nil
	default:
		return "", fmt.Errorf("invalid execution strategy %q (use direct or presigned)", s)
	}
}

type PairOrder struct {
	Pair      trading.Pair
	AttemptID string
	PriceA    decimal.Decimal
	PriceB    decimal.Decimal
	Size      decimal.Decimal
}

// Result holds leg outcomes aligned to (A, B). A dry run has no legs.
type Result struct {
	Legs     []trading.LegOutcome
	DryRun   bool
	Strategy Strategy
	Latency  time.Duration
}

type Options struct {
	Strategy Strategy
	DryRun   bool
	Journal  journal.Sink
}

type Executor struct {
	venue    trading.Venue
	strategy Strategy
	dryRun   bool
	journal  journal.Sink
}

func New(venue trading.Venue, opts Options) (*Executor, error) {
	if venue == nil && !opts.DryRun {
		return nil, fmt.Errorf("venue required unless dry-run")
	}
	if opts.Strategy == "" {
		opts.Strategy = Direct
	}
	if opts.Strategy != Direct && opts.Strategy != PreSigned {
		return nil, fmt.Errorf("invalid execution strategy %q", opts.Strategy)
	}
	return &Executor{venue: venue, strategy: opts.Strategy, dryRun: opts.DryRun, journal: opts.Journal}, nil
}

func (e *Executor) Strategy() Strategy { return e.strategy }
func (e *Executor) DryRun() bool       { return e.dryRun }

// SubmitPair sends BUY legs for TokenA at PriceA and TokenB at PriceB as a
// single FOK batch. Any build, sign or transport failure aborts the attempt
// with ErrSubmit and no outcomes.
func (e *Executor) SubmitPair(ctx context.Context, o PairOrder) (Result, error) {
	ev := journal.Event{
		Event:     "pair_submit",
		AttemptID: o.AttemptID,
		Mode:      journal.Mode(e.dryRun),
		Strategy:  string(e.strategy),
		Symbol:    o.Pair.Symbol,
		Slug:      o.Pair.Slug,
		TokenA:    o.Pair.TokenA,
		TokenB:    o.Pair.TokenB,
		PriceA:    o.PriceA.String(),
		PriceB:    o.PriceB.String(),
		Size:      o.Size.String(),
		OrderType: string(trading.FillOrKill),
	}

	if e.dryRun {
		log.Printf("[dry] %s pair buy A=%s@%s B=%s@%s size=%s strategy=%s",
			o.Pair, o.Pair.TokenA, o.PriceA, o.Pair.TokenB, o.PriceB, o.Size, e.strategy)
		ev.Event = "dry_run"
		ev.Ok = true
		journal.Record(ctx, e.journal, ev)
		return Result{DryRun: true, Strategy: e.strategy}, nil
	}

	started := time.Now()
	legs, err := e.submit(ctx, o)
	res := Result{Strategy: e.strategy, Latency: time.Since(started), Legs: legs}
	if err == nil && len(legs) != 2 {
		err = fmt.Errorf("%w: got %d", ErrLegCount, len(legs))
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSubmit, err)
		log.Printf("[pair] %s submit failed: %v", o.Pair, err)
		ev.Err = err.Error()
		journal.Record(ctx, e.journal, ev)
		return Result{Strategy: e.strategy, Latency: res.Latency}, err
	}

	ev.Ok = true
	ev.StatusA = legs[0].Status.String()
	ev.StatusB = legs[1].Status.String()
	journal.Record(ctx, e.journal, ev)
	log.Printf("[pair] %s submitted in %s: A=%s B=%s", o.Pair, res.Latency.Round(time.Millisecond), ev.StatusA, ev.StatusB)
	return res, nil
}

func (e *Executor) submit(ctx context.Context, o PairOrder) ([]trading.LegOutcome, error) {
	a, err := e.venue.BuildOrder(o.Pair.TokenA, trading.Buy, o.PriceA, o.Size, trading.FillOrKill)
	if err != nil {
		return nil, fmt.Errorf("build leg A: %w", err)
	}
	b, err := e.venue.BuildOrder(o.Pair.TokenB, trading.Buy, o.PriceB, o.Size, trading.FillOrKill)
	if err != nil {
		return nil, fmt.Errorf("build leg B: %w", err)
	}

	if e.strategy == Direct {
		return e.venue.Submit(ctx, []trading.OrderIntent{a, b})
	}

	signedA, err := e.venue.Sign(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("sign leg A: %w", err)
	}
	signedB, err := e.venue.Sign(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("sign leg B: %w", err)
	}
	return e.venue.SubmitSigned(ctx, []trading.SignedOrder{signedA, signedB})
}
