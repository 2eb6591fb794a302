// Package journal records every trading decision (admission, submission,
// mismatch handling) as append-only events for later audit.
package journal

import (
	"context"
	"errors"
	"log"
	"time"
)

// Event is one decision record. Decimal values are carried as strings so the
// JSONL output matches what the venue reports.
type Event struct {
	TsMs      int64  `json:"ts_ms"`
	Event     string `json:"event"`
	AttemptID string `json:"attempt_id,omitempty"`

	Mode     string `json:"mode,omitempty"` // dry | live
	Strategy string `json:"strategy,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Slug     string `json:"slug,omitempty"`

	TokenA string `json:"token_a,omitempty"`
	TokenB string `json:"token_b,omitempty"`
	PriceA string `json:"price_a,omitempty"`
	PriceB string `json:"price_b,omitempty"`

	// Single-order fields.
	TokenID   string `json:"token_id,omitempty"`
	Side      string `json:"side,omitempty"`
	OrderType string `json:"order_type,omitempty"`
	Price     string `json:"price,omitempty"`
	Size      string `json:"size,omitempty"`
	OrderID   string `json:"order_id,omitempty"`

	StatusA string `json:"status_a,omitempty"`
	StatusB string `json:"status_b,omitempty"`
	Status  string `json:"status,omitempty"`
	Action  string `json:"action,omitempty"`
	Reason  string `json:"reason,omitempty"`
	PnL     string `json:"pnl,omitempty"`

	AlertID string `json:"alert_id,omitempty"`

	Ok  bool   `json:"ok,omitempty"`
	Err string `json:"err,omitempty"`

	UptimeMs int64 `json:"uptime_ms,omitempty"`
}

type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Record writes ev to s, stamping the time if missing. Write failures are
// logged and otherwise ignored; the journal never blocks trading.
func Record(ctx context.Context, s Sink, ev Event) {
	if s == nil {
		return
	}
	if ev.TsMs == 0 {
		ev.TsMs = time.Now().UnixMilli()
	}
	if err := s.Record(ctx, ev); err != nil {
		log.Printf("[warn] journal write failed: %v", err)
	}
}

// Multi fans each event out to every sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func Mode(dryRun bool) string {
	if dryRun {
		return "dry"
	}
	return "live"
}
