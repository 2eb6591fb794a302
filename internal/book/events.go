package book

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/clob"
	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

// Event is one market channel message. Only the fields used by the store
// are decoded.
type Event struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`

	// book
	Bids []clob.OrderSummary `json:"bids"`
	Asks []clob.OrderSummary `json:"asks"`

	// price_change; older payloads carry asset_id at the top with "changes"
	PriceChanges []PriceChange `json:"price_changes"`
	Changes      []PriceChange `json:"changes"`

	// best_bid_ask
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type PriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// DecodeEvents accepts a single event object or an array of them.
func DecodeEvents(msg []byte) ([]Event, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil, nil
	}
	if msg[0] == '[' {
		var evs []Event
		if err := json.Unmarshal(msg, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// Apply folds one event into the store. Unknown event types are ignored.
// The receive time stamps the book so staleness reflects our own view of
// the feed.
func (s *Store) Apply(ev Event) error {
	now := s.now()
	switch ev.EventType {
	case "book":
		bids, err := levels(ev.Bids)
		if err != nil {
			return fmt.Errorf("book %s bids: %w", ev.AssetID, err)
		}
		asks, err := levels(ev.Asks)
		if err != nil {
			return fmt.Errorf("book %s asks: %w", ev.AssetID, err)
		}
		s.Replace(ev.AssetID, bids, asks, now)

	case "price_change":
		changes := ev.PriceChanges
		if len(changes) == 0 {
			changes = ev.Changes
		}
		for _, ch := range changes {
			asset := ch.AssetID
			if asset == "" {
				asset = ev.AssetID
			}
			price, err := decimal.NewFromString(ch.Price)
			if err != nil {
				return fmt.Errorf("price_change %s price %q: %w", asset, ch.Price, err)
			}
			size, err := decimal.NewFromString(ch.Size)
			if err != nil {
				return fmt.Errorf("price_change %s size %q: %w", asset, ch.Size, err)
			}
			side := trading.Buy
			if strings.EqualFold(ch.Side, "SELL") {
				side = trading.Sell
			}
			s.SetLevel(asset, side, price, size, now)
			if ch.BestBid != "" || ch.BestAsk != "" {
				s.Trim(asset, optionalPrice(ch.BestBid), optionalPrice(ch.BestAsk), now)
			}
		}

	case "best_bid_ask":
		s.Trim(ev.AssetID, optionalPrice(ev.BestBid), optionalPrice(ev.BestAsk), now)

	default:
		return nil
	}
	if s.metrics != nil {
		s.metrics.QuoteUpdates.WithLabelValues(ev.EventType).Inc()
	}
	return nil
}

func levels(in []clob.OrderSummary) ([]trading.Level, error) {
	out := make([]trading.Level, 0, len(in))
	for _, lv := range in {
		p, err := decimal.NewFromString(lv.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lv.Price, err)
		}
		sz, err := decimal.NewFromString(lv.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lv.Size, err)
		}
		out = append(out, trading.Level{Price: p, Size: sz})
	}
	return out, nil
}

// optionalPrice parses a reported best price. An absent or malformed field
// returns nil and leaves that side alone. The venue reports an emptied side
// as "0" (or "1" for asks); those values come through and Trim clears the
// side.
func optionalPrice(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &d
}
