package clob

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

type OrderBookSummary struct {
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Timestamp string         `json:"timestamp"`
	Bids      []OrderSummary `json:"bids"`
	Asks      []OrderSummary `json:"asks"`
	MinOrder  decimalString  `json:"min_order_size"`
	TickSize  decimalString  `json:"tick_size"`
	NegRisk   bool           `json:"neg_risk"`
	Hash      string         `json:"hash"`
}

type OrderSummary struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*OrderBookSummary, error) {
	var book OrderBookSummary
	if err := c.do(ctx, http.MethodGet, "/book", tokenQuery(tokenID), nil, nil, &book); err != nil {
		return nil, err
	}
	if book.TickSize != "" {
		c.mu.Lock()
		c.tickSize[tokenID] = string(book.TickSize)
		c.negRisk[tokenID] = book.NegRisk
		c.mu.Unlock()
	}
	return &book, nil
}

// TopOfBook snapshots the best bid and ask for tokenID.
func (c *Client) TopOfBook(ctx context.Context, tokenID string) (trading.TopOfBook, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return trading.TopOfBook{}, err
	}
	return book.Top(time.Now())
}

// Top returns the highest bid and lowest ask. The venue sorts levels with
// the best one last, but ordering is not relied upon.
func (b *OrderBookSummary) Top(now time.Time) (trading.TopOfBook, error) {
	tob := trading.TopOfBook{UpdatedAt: now}
	for _, lv := range b.Bids {
		l, err := parseLevel(lv)
		if err != nil {
			return trading.TopOfBook{}, fmt.Errorf("bid: %w", err)
		}
		if l.Size.IsPositive() && (tob.Bid == nil || l.Price.GreaterThan(tob.Bid.Price)) {
			tob.Bid = l
		}
	}
	for _, lv := range b.Asks {
		l, err := parseLevel(lv)
		if err != nil {
			return trading.TopOfBook{}, fmt.Errorf("ask: %w", err)
		}
		if l.Size.IsPositive() && (tob.Ask == nil || l.Price.LessThan(tob.Ask.Price)) {
			tob.Ask = l
		}
	}
	return tob, nil
}

func parseLevel(lv OrderSummary) (*trading.Level, error) {
	p, err := decimal.NewFromString(lv.Price)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", lv.Price, err)
	}
	s, err := decimal.NewFromString(lv.Size)
	if err != nil {
		return nil, fmt.Errorf("size %q: %w", lv.Size, err)
	}
	return &trading.Level{Price: p, Size: s}, nil
}
