// Package bot runs the trading cycle for each configured symbol: resolve the
// current up/down window, wait for an entry, pass the risk gate, submit the
// pair, reconcile a mismatch and book the fills.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/execution"
	"github.com/lingreerjr-eng/polybot-ws/internal/hedge"
	"github.com/lingreerjr-eng/polybot-ws/internal/journal"
	"github.com/lingreerjr-eng/polybot-ws/internal/metrics"
	"github.com/lingreerjr-eng/polybot-ws/internal/risk"
	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

const windowLength = 15 * time.Minute

// resolveRetry spaces out Gamma lookups while no window is tradable.
const resolveRetry = 5 * time.Second

// Watcher is told the full set of tokens currently traded so quotes for them
// stay fresh.
type Watcher interface {
	Watch(ctx context.Context, tokens []string)
}

type Deps struct {
	Pairs    trading.PairResolver
	Quotes   trading.QuoteSupplier
	Executor *execution.Executor
	Hedger   *hedge.Resolver
	Gate     *risk.Gate

	Watcher Watcher
	Journal journal.Sink
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Runner struct {
	cfg     Config
	d       Deps
	started time.Time

	mu    sync.Mutex
	pairs map[string]trading.Pair
}

func NewRunner(cfg Config, d Deps) (*Runner, error) {
	switch {
	case d.Pairs == nil:
		return nil, errors.New("pair resolver required")
	case d.Quotes == nil:
		return nil, errors.New("quote supplier required")
	case d.Executor == nil:
		return nil, errors.New("executor required")
	case d.Hedger == nil:
		return nil, errors.New("mismatch resolver required")
	case d.Gate == nil:
		return nil, errors.New("risk gate required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Runner{cfg: cfg, d: d, pairs: make(map[string]trading.Pair)}, nil
}

// Run trades every symbol concurrently until ctx is done. Each symbol runs
// its cycles strictly one after another.
func (r *Runner) Run(ctx context.Context) error {
	r.started = r.d.Now()
	r.record(ctx, journal.Event{Event: "start", Mode: journal.Mode(r.d.Executor.DryRun()), Strategy: string(r.d.Executor.Strategy()), Size: r.cfg.PairSize.String()})

	var wg sync.WaitGroup
	for _, sym := range r.cfg.Symbols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runSymbol(ctx, sym)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runDayRollover(ctx)
	}()
	wg.Wait()

	snap := r.d.Gate.Snapshot()
	r.record(context.WithoutCancel(ctx), journal.Event{Event: "summary", PnL: snap.RealizedPnL.String()})
	return nil
}

type symbolState struct {
	pair          trading.Pair
	window        time.Time
	retryAt       time.Time
	cooldownUntil time.Time
}

func (r *Runner) runSymbol(ctx context.Context, symbol string) {
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	var st symbolState
	for {
		r.step(ctx, symbol, &st)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// step re-resolves the pair when the window rolls over, then runs one cycle
// unless the symbol is cooling down.
func (r *Runner) step(ctx context.Context, symbol string, st *symbolState) {
	now := r.d.Now()
	window := now.Truncate(windowLength)

	if st.pair.Slug == "" || !st.window.Equal(window) {
		if now.Before(st.retryAt) {
			return
		}
		if st.pair.Slug != "" {
			st.pair = trading.Pair{}
			r.setPair(ctx, symbol, trading.Pair{})
		}

		resCtx, cancel := context.WithTimeout(ctx, 3*r.cfg.RequestTimeout)
		pair, err := r.d.Pairs.ResolvePair(resCtx, symbol, now)
		cancel()
		if err != nil {
			st.retryAt = now.Add(resolveRetry)
			if errors.Is(err, trading.ErrPairNotAvailable) {
				log.Printf("[pair] %s: no tradable window", symbol)
			} else if ctx.Err() == nil {
				log.Printf("[warn] %s resolve: %v", symbol, err)
			}
			return
		}
		st.pair, st.window = pair, window
		r.setPair(ctx, symbol, pair)
		log.Printf("[pair] %s resolved A=%s B=%s", pair, pair.TokenA, pair.TokenB)
		r.record(ctx, journal.Event{Event: "pair_resolved", Symbol: pair.Symbol, Slug: pair.Slug, TokenA: pair.TokenA, TokenB: pair.TokenB})
	}

	if now.Before(st.cooldownUntil) {
		return
	}
	if r.Cycle(ctx, st.pair) != CycleSkipped {
		st.cooldownUntil = now.Add(r.cfg.Cooldown)
	}
}

func (r *Runner) setPair(ctx context.Context, symbol string, pair trading.Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pair.Slug == "" {
		delete(r.pairs, symbol)
	} else {
		r.pairs[symbol] = pair
	}
	if r.d.Watcher == nil {
		return
	}
	tokens := make([]string, 0, 2*len(r.pairs))
	for _, p := range r.pairs {
		tokens = append(tokens, p.TokenA, p.TokenB)
	}
	slices.Sort(tokens)
	r.d.Watcher.Watch(ctx, tokens)
}

// Pairs returns the currently resolved pair per symbol.
func (r *Runner) Pairs() map[string]trading.Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]trading.Pair, len(r.pairs))
	for k, v := range r.pairs {
		out[k] = v
	}
	return out
}

type CycleResult int

const (
	CycleSkipped CycleResult = iota
	CycleDenied
	CycleFailed
	CycleDryRun
	CycleSubmitted
)

// Entry reports the asks to buy at when both legs can be bought for at most
// EntrySumMax with enough displayed size.
func (r *Runner) Entry(pair trading.Pair) (askA, askB decimal.Decimal, ok bool) {
	qa, okA := r.d.Quotes.BestQuotes(pair.TokenA)
	qb, okB := r.d.Quotes.BestQuotes(pair.TokenB)
	if !okA || !okB || qa.Ask == nil || qb.Ask == nil {
		return decimal.Zero, decimal.Zero, false
	}
	if qa.Ask.Size.LessThan(r.cfg.PairSize) || qb.Ask.Size.LessThan(r.cfg.PairSize) {
		return decimal.Zero, decimal.Zero, false
	}
	if qa.Ask.Price.Add(qb.Ask.Price).GreaterThan(r.cfg.EntrySumMax) {
		return decimal.Zero, decimal.Zero, false
	}
	return qa.Ask.Price, qb.Ask.Price, true
}

// Cycle runs admission, submission, reconciliation and the ledger update for
// one pair, in that order.
func (r *Runner) Cycle(ctx context.Context, pair trading.Pair) CycleResult {
	askA, askB, ok := r.Entry(pair)
	if !ok {
		return CycleSkipped
	}

	if !r.d.Gate.CanTrade(pair.TokenA, pair.TokenB) {
		if r.d.Metrics != nil {
			r.d.Metrics.AdmissionDenials.WithLabelValues(pair.Symbol).Inc()
		}
		r.record(ctx, journal.Event{Event: "admission_denied", Symbol: pair.Symbol, Slug: pair.Slug, TokenA: pair.TokenA, TokenB: pair.TokenB})
		return CycleDenied
	}

	attemptID := uuid.NewString()
	order := execution.PairOrder{Pair: pair, AttemptID: attemptID, PriceA: askA, PriceB: askB, Size: r.cfg.PairSize}

	subCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	res, err := r.d.Executor.SubmitPair(subCtx, order)
	cancel()
	if err != nil {
		r.countAttempt("failed")
		return CycleFailed
	}
	if res.DryRun {
		r.countAttempt("dry_run")
		return CycleDryRun
	}
	if r.d.Metrics != nil {
		r.d.Metrics.SubmitLatency.Observe(res.Latency.Seconds())
	}

	rep := r.d.Hedger.Resolve(ctx, hedge.Attempt{
		Pair:      pair,
		AttemptID: attemptID,
		PriceA:    askA,
		PriceB:    askB,
		Size:      r.cfg.PairSize,
		Legs:      res.Legs,
	})
	r.book(rep)
	r.countAttempt(attemptResult(res.Legs))

	ev := journal.Event{
		Event:     "cycle",
		AttemptID: attemptID,
		Symbol:    pair.Symbol,
		Slug:      pair.Slug,
		PriceA:    askA.String(),
		PriceB:    askB.String(),
		Size:      r.cfg.PairSize.String(),
		Action:    string(rep.Action),
		Reason:    rep.Reason,
		PnL:       rep.PnL.String(),
		Ok:        !rep.Residual,
	}
	if len(res.Legs) == 2 {
		ev.StatusA, ev.StatusB = res.Legs[0].Status.String(), res.Legs[1].Status.String()
	}
	r.record(ctx, ev)
	return CycleSubmitted
}

// book applies every confirmed fill and the realized PnL to the risk ledger
// exactly once.
func (r *Runner) book(rep hedge.Report) {
	for _, f := range rep.Fills {
		r.d.Gate.ApplyFill(f.TokenID, f.Side.Signed(f.Size))
	}
	if !rep.PnL.IsZero() {
		r.d.Gate.ApplyPnL(rep.PnL)
	}
	r.observeRisk()
}

func (r *Runner) observeRisk() {
	if r.d.Metrics == nil {
		return
	}
	snap := r.d.Gate.Snapshot()
	r.d.Metrics.ObserveRisk(snap.RealizedPnL, snap.Inventory)
}

func attemptResult(legs []trading.LegOutcome) string {
	if len(legs) != 2 {
		return "failed"
	}
	switch {
	case legs[0].Filled() && legs[1].Filled():
		return "both_filled"
	case legs[0].Cancelled() && legs[1].Cancelled():
		return "both_cancelled"
	default:
		return "mismatch"
	}
}

func (r *Runner) countAttempt(result string) {
	if r.d.Metrics != nil {
		r.d.Metrics.PairAttempts.WithLabelValues(result).Inc()
	}
}

// runDayRollover zeroes realized PnL at every UTC midnight. Inventory
// carries over.
func (r *Runner) runDayRollover(ctx context.Context) {
	for {
		now := r.d.Now()
		t := time.NewTimer(nextUTCMidnight(now).Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		r.RollDay(ctx)
	}
}

// RollDay resets the daily PnL used by the kill switch.
func (r *Runner) RollDay(ctx context.Context) {
	prev := r.d.Gate.ResetRealizedPnL()
	log.Printf("[risk] new UTC day: realized pnl %s reset to 0", prev)
	r.record(ctx, journal.Event{Event: "day_rollover", PnL: prev.String()})
	r.observeRisk()
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func (r *Runner) record(ctx context.Context, ev journal.Event) {
	if ev.Mode == "" {
		ev.Mode = journal.Mode(r.d.Executor.DryRun())
	}
	if !r.started.IsZero() {
		ev.UptimeMs = r.d.Now().Sub(r.started).Milliseconds()
	}
	journal.Record(ctx, r.d.Journal, ev)
}

func (c CycleResult) String() string {
	switch c {
	case CycleSkipped:
		return "skipped"
	case CycleDenied:
		return "denied"
	case CycleFailed:
		return "failed"
	case CycleDryRun:
		return "dry_run"
	case CycleSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("cycle(%d)", int(c))
	}
}
