// Package hedge reconciles the two leg outcomes of a pair submission.
//
// A pair is a saga: the primary step is the two-leg FOK batch, and when
// exactly one leg fills the compensating steps are a refill of the missing
// leg or, failing that, an IOC unwind of the filled leg. The unwind can fail
// too; whatever exposure is left is reported through the Alerter.
package hedge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/alert"
	"github.com/lingreerjr-eng/polybot-ws/internal/journal"
	"github.com/lingreerjr-eng/polybot-ws/internal/metrics"
	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

type Action string

const (
	// ActionNone: both legs filled, both cancelled, or nothing known to unwind.
	ActionNone Action = "none"
	// ActionRefilled: the missing leg was bought and confirmed filled.
	ActionRefilled Action = "refilled"
	// ActionUnwound: the filled leg was sold back (fully or partly).
	ActionUnwound Action = "unwound"
	// ActionUnwindUnfilled: the IOC sell was accepted but nothing matched.
	ActionUnwindUnfilled Action = "unwind_unfilled"
	// ActionUnwindFailed: the IOC sell could not be built or submitted.
	ActionUnwindFailed Action = "unwind_failed"
	// ActionUnwindSkipped: no bid for the filled token after the delay.
	ActionUnwindSkipped Action = "unwind_skipped"
)

type Config struct {
	// CombinedPriceCap bounds filled price + refill ask.
	CombinedPriceCap decimal.Decimal
	// RecoveryDelay is waited before reading the bid for an unwind.
	RecoveryDelay time.Duration
	// MinPrice floors the unwind sell price.
	MinPrice decimal.Decimal
	// RequestTimeout bounds each venue call made by the resolver.
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CombinedPriceCap: decimal.NewFromInt(1),
		RecoveryDelay:    150 * time.Millisecond,
		MinPrice:         decimal.RequireFromString("0.001"),
		RequestTimeout:   5 * time.Second,
	}
}

func (c Config) Validate() error {
	if !c.CombinedPriceCap.IsPositive() {
		return fmt.Errorf("combined price cap must be > 0, got %s", c.CombinedPriceCap)
	}
	if c.RecoveryDelay < 0 {
		return fmt.Errorf("recovery delay must be >= 0")
	}
	if !c.MinPrice.IsPositive() || c.MinPrice.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("min price must be in (0, 1), got %s", c.MinPrice)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0")
	}
	return nil
}

// Attempt is one completed pair submission.
type Attempt struct {
	Pair      trading.Pair
	AttemptID string
	PriceA    decimal.Decimal
	PriceB    decimal.Decimal
	Size      decimal.Decimal
	Legs      []trading.LegOutcome
}

// Fill is a confirmed execution the caller must apply to the risk ledger.
type Fill struct {
	TokenID string
	Side    trading.Side
	Size    decimal.Decimal
	Price   decimal.Decimal
}

// Report is the outcome of one Resolve pass. Fills lists every confirmed
// fill of the attempt, primary legs included, so the caller applies each one
// to the risk ledger exactly once.
type Report struct {
	Action   Action
	Mismatch bool
	Fills    []Fill
	PnL      decimal.Decimal
	// Residual is set when a one-sided position may remain.
	Residual bool
	Reason   string
}

type SleepFunc func(ctx context.Context, d time.Duration) error

type Resolver struct {
	venue   trading.Venue
	quotes  trading.QuoteSupplier
	cfg     Config
	sleep   SleepFunc
	alerter alert.Alerter
	journal journal.Sink
	metrics *metrics.Metrics
}

type Option func(*Resolver)

// WithSleep replaces the timer used for the recovery delay.
func WithSleep(fn SleepFunc) Option { return func(r *Resolver) { r.sleep = fn } }

func WithAlerter(a alert.Alerter) Option { return func(r *Resolver) { r.alerter = a } }

func WithJournal(s journal.Sink) Option { return func(r *Resolver) { r.journal = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Resolver) { r.metrics = m } }

func New(venue trading.Venue, quotes trading.QuoteSupplier, cfg Config, opts ...Option) (*Resolver, error) {
	if venue == nil {
		return nil, fmt.Errorf("venue required")
	}
	if quotes == nil {
		return nil, fmt.Errorf("quote supplier required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		venue:   venue,
		quotes:  quotes,
		cfg:     cfg,
		sleep:   sleepWithContext,
		alerter: alert.Log{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve makes a single pass over the attempt's leg outcomes. It never
// returns an error: recovery failures are journaled and alerted.
func (r *Resolver) Resolve(ctx context.Context, at Attempt) Report {
	if len(at.Legs) != 2 {
		return Report{Action: ActionNone, Reason: fmt.Sprintf("expected 2 legs, got %d", len(at.Legs))}
	}
	a, b := at.Legs[0], at.Legs[1]

	var rep Report
	if a.Filled() {
		rep.Fills = append(rep.Fills, primaryFill(at.Pair.TokenA, at.PriceA, at.Size, a))
	}
	if b.Filled() {
		rep.Fills = append(rep.Fills, primaryFill(at.Pair.TokenB, at.PriceB, at.Size, b))
	}

	switch {
	case a.Filled() && b.Filled(), a.Cancelled() && b.Cancelled():
		rep.Action = ActionNone
		return rep
	}

	// The recovery steps run to completion even if the cycle is cancelled
	// while they are in flight.
	ctx = context.WithoutCancel(ctx)
	rep.Mismatch = true

	if !a.Filled() && !b.Filled() {
		// At least one leg is unknown and none is known filled: there is no
		// position this process can safely sell.
		rep.Action = ActionNone
		rep.Residual = true
		rep.Reason = fmt.Sprintf("legs unresolved A=%s B=%s", a.Status, b.Status)
		r.record(ctx, at, journal.Event{Event: "mismatch", StatusA: a.Status.String(), StatusB: b.Status.String(), Action: string(rep.Action), Reason: rep.Reason})
		r.finish(ctx, at, &rep)
		return rep
	}

	filledToken, missingToken, filledPrice, missingPrice := at.Pair.TokenA, at.Pair.TokenB, at.PriceA, at.PriceB
	filledLeg, missingLeg := a, b
	if b.Filled() {
		filledToken, missingToken, filledPrice, missingPrice = at.Pair.TokenB, at.Pair.TokenA, at.PriceB, at.PriceA
		filledLeg, missingLeg = b, a
	}
	held := at.Size
	if filledLeg.FilledSize.IsPositive() {
		held = filledLeg.FilledSize
	}

	log.Printf("[hedge] %s mismatch filled=%s missing=%s (%s) size=%s", at.Pair, filledToken, missingToken, missingLeg.Status, held)
	r.record(ctx, at, journal.Event{Event: "mismatch", StatusA: a.Status.String(), StatusB: b.Status.String(), TokenID: missingToken})

	if missingLeg.Cancelled() {
		if fill, ok := r.refill(ctx, at, missingToken, filledPrice, held, &rep); ok {
			rep.Action = ActionRefilled
			rep.Fills = append(rep.Fills, fill)
			rep.PnL = missingPrice.Sub(fill.Price).Mul(fill.Size)
			r.finish(ctx, at, &rep)
			return rep
		}
	} else {
		rep.Residual = true
		rep.Reason = fmt.Sprintf("missing leg %s is %s; refill disabled", missingToken, missingLeg.Status)
		log.Printf("[hedge] %s %s", at.Pair, rep.Reason)
	}

	r.unwind(ctx, at, filledToken, filledPrice, held, &rep)
	r.finish(ctx, at, &rep)
	return rep
}

func primaryFill(tokenID string, price, size decimal.Decimal, leg trading.LegOutcome) Fill {
	if leg.FilledSize.IsPositive() {
		size = leg.FilledSize
	}
	return Fill{TokenID: tokenID, Side: trading.Buy, Size: size, Price: price}
}

// refill buys the missing token at its current ask when ask+filledPrice stays
// within the combined cap. It reports ok only for a confirmed fill.
func (r *Resolver) refill(ctx context.Context, at Attempt, tokenID string, filledPrice, size decimal.Decimal, rep *Report) (Fill, bool) {
	ev := journal.Event{Event: "refill", TokenID: tokenID, Side: string(trading.Buy), OrderType: string(trading.FillOrKill), Size: size.String()}

	tob, ok := r.quotes.BestQuotes(tokenID)
	if !ok || tob.Ask == nil {
		ev.Reason = "no ask"
		log.Printf("[hedge] %s refill skipped: no ask for %s", at.Pair, tokenID)
		r.record(ctx, at, ev)
		return Fill{}, false
	}
	ask := tob.Ask.Price
	ev.Price = ask.String()
	limit := r.cfg.CombinedPriceCap.Sub(filledPrice)
	if ask.GreaterThan(limit) {
		ev.Reason = fmt.Sprintf("ask %s > cap %s - filled %s", ask, r.cfg.CombinedPriceCap, filledPrice)
		log.Printf("[hedge] %s refill skipped: %s", at.Pair, ev.Reason)
		r.record(ctx, at, ev)
		return Fill{}, false
	}

	outcome, err := r.submitOne(ctx, tokenID, trading.Buy, ask, size, trading.FillOrKill)
	if err != nil {
		ev.Err = err.Error()
		log.Printf("[hedge] %s refill %s@%s failed: %v", at.Pair, tokenID, ask, err)
		r.record(ctx, at, ev)
		return Fill{}, false
	}
	ev.Status = outcome.Status.String()
	ev.OrderID = outcome.OrderID
	ev.Err = outcome.Err
	if !outcome.Filled() {
		if outcome.Status == trading.StatusUnknown {
			rep.Residual = true
			rep.Reason = joinReason(rep.Reason, "refill "+tokenID+" unknown")
		}
		log.Printf("[hedge] %s refill %s@%s not filled (%s)", at.Pair, tokenID, ask, outcome.Status)
		r.record(ctx, at, ev)
		return Fill{}, false
	}

	filled := size
	if outcome.FilledSize.IsPositive() {
		filled = outcome.FilledSize
	}
	ev.Ok = true
	r.record(ctx, at, ev)
	log.Printf("[hedge] %s refill %s@%s filled size=%s", at.Pair, tokenID, ask, filled)
	return Fill{TokenID: tokenID, Side: trading.Buy, Size: filled, Price: ask}, true
}

// unwind waits the recovery delay, then sends one IOC sell of the filled
// token at max(bid, MinPrice). The result is recorded but never retried.
func (r *Resolver) unwind(ctx context.Context, at Attempt, tokenID string, entryPrice, size decimal.Decimal, rep *Report) {
	if err := r.sleep(ctx, r.cfg.RecoveryDelay); err != nil {
		log.Printf("[warn] %s recovery delay interrupted: %v", at.Pair, err)
	}

	ev := journal.Event{Event: "unwind", TokenID: tokenID, Side: string(trading.Sell), OrderType: string(trading.ImmediateOrCancel), Size: size.String()}

	tob, ok := r.quotes.BestQuotes(tokenID)
	if !ok || tob.Bid == nil {
		rep.Action = ActionUnwindSkipped
		rep.Residual = true
		rep.Reason = joinReason(rep.Reason, "no bid for "+tokenID)
		ev.Reason = "no bid"
		log.Printf("[hedge] %s unwind skipped: no bid for %s", at.Pair, tokenID)
		r.record(ctx, at, ev)
		return
	}
	price := decimal.Max(tob.Bid.Price, r.cfg.MinPrice)
	ev.Price = price.String()

	outcome, err := r.submitOne(ctx, tokenID, trading.Sell, price, size, trading.ImmediateOrCancel)
	if err != nil {
		rep.Action = ActionUnwindFailed
		rep.Residual = true
		rep.Reason = joinReason(rep.Reason, "unwind failed: "+err.Error())
		ev.Err = err.Error()
		log.Printf("[hedge] %s unwind %s@%s failed: %v", at.Pair, tokenID, price, err)
		r.record(ctx, at, ev)
		return
	}
	ev.Status = outcome.Status.String()
	ev.OrderID = outcome.OrderID
	ev.Err = outcome.Err
	log.Printf("[hedge] %s unwind submitted %s@%s size=%s status=%s", at.Pair, tokenID, price, size, outcome.Status)

	if !outcome.Filled() {
		rep.Action = ActionUnwindUnfilled
		rep.Residual = true
		rep.Reason = joinReason(rep.Reason, fmt.Sprintf("unwind %s", outcome.Status))
		r.record(ctx, at, ev)
		return
	}

	sold := size
	if outcome.FilledSize.IsPositive() && outcome.FilledSize.LessThan(size) {
		sold = outcome.FilledSize
		rep.Residual = true
		rep.Reason = joinReason(rep.Reason, fmt.Sprintf("unwind partial %s/%s", sold, size))
	}
	rep.Action = ActionUnwound
	rep.Fills = append(rep.Fills, Fill{TokenID: tokenID, Side: trading.Sell, Size: sold, Price: price})
	rep.PnL = price.Sub(entryPrice).Mul(sold)
	ev.Ok = true
	ev.PnL = rep.PnL.String()
	r.record(ctx, at, ev)
}

func (r *Resolver) submitOne(ctx context.Context, tokenID string, side trading.Side, price, size decimal.Decimal, tif trading.TimeInForce) (trading.LegOutcome, error) {
	order, err := r.venue.BuildOrder(tokenID, side, price, size, tif)
	if err != nil {
		return trading.LegOutcome{}, fmt.Errorf("build: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	outs, err := r.venue.Submit(reqCtx, []trading.OrderIntent{order})
	if err != nil {
		return trading.LegOutcome{}, err
	}
	if len(outs) != 1 {
		return trading.LegOutcome{}, fmt.Errorf("expected 1 outcome, got %d", len(outs))
	}
	return outs[0], nil
}

// finish counts the terminal action and raises a residual-exposure alert when
// one-sided exposure may remain.
func (r *Resolver) finish(ctx context.Context, at Attempt, rep *Report) {
	if r.metrics != nil {
		r.metrics.ResolverActions.WithLabelValues(string(rep.Action)).Inc()
	}
	r.record(ctx, at, journal.Event{Event: "resolved", Action: string(rep.Action), Reason: rep.Reason, PnL: rep.PnL.String(), Ok: !rep.Residual})
	if !rep.Residual {
		return
	}
	if r.metrics != nil {
		r.metrics.ResidualExposures.Inc()
	}

	id := uuid.NewString()
	fields := map[string]string{
		"attempt": at.AttemptID,
		"symbol":  at.Pair.Symbol,
		"slug":    at.Pair.Slug,
		"action":  string(rep.Action),
		"size":    at.Size.String(),
	}
	for i, leg := range at.Legs {
		fields[fmt.Sprintf("leg_%c", 'a'+i)] = leg.TokenID + ":" + leg.Status.String()
	}
	a := alert.Alert{
		ID:       id,
		Severity: alert.Critical,
		Title:    "residual pair exposure " + at.Pair.String(),
		Message:  rep.Reason,
		Fields:   fields,
	}
	if err := r.alerter.Alert(ctx, a); err != nil {
		log.Printf("[warn] residual exposure alert %s not delivered: %v", id, err)
		if r.metrics != nil {
			r.metrics.AlertDeliveryFails.Inc()
		}
	}
	r.record(ctx, at, journal.Event{Event: "alert", Reason: rep.Reason, AlertID: id})
}

func (r *Resolver) record(ctx context.Context, at Attempt, ev journal.Event) {
	ev.AttemptID = at.AttemptID
	ev.Symbol = at.Pair.Symbol
	ev.Slug = at.Pair.Slug
	journal.Record(ctx, r.journal, ev)
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
