package clob

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderInfo mirrors GET /data/order/<id>.
type OrderInfo struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Market       string        `json:"market"`
	AssetID      string        `json:"asset_id"`
	Side         string        `json:"side"`
	Price        decimalString `json:"price"`
	OriginalSize decimalString `json:"original_size"`
	SizeMatched  decimalString `json:"size_matched"`
	OrderType    string        `json:"order_type"`
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderInfo, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("order id required")
	}
	var resp struct {
		Order *OrderInfo `json:"order"`
	}
	if err := c.doL2(ctx, http.MethodGet, "/data/order/"+orderID, nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("order %s missing in response", orderID)
	}
	return resp.Order, nil
}

// MatchedSize is the size matched so far, zero when absent.
func (o *OrderInfo) MatchedSize() decimal.Decimal {
	d, err := decimal.NewFromString(string(o.SizeMatched))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ClassifyOrder maps an order lookup onto a leg result. Any matched size
// counts as filled; a terminal status with nothing matched is cancelled; a
// live order stays unknown.
func ClassifyOrder(o *OrderInfo) Result {
	if o == nil {
		return ResultUnknown
	}
	if o.MatchedSize().IsPositive() {
		return ResultFilled
	}
	switch strings.ToUpper(strings.TrimSpace(o.Status)) {
	case "MATCHED":
		return ResultFilled
	case "CANCELED", "CANCELLED", "CANCELED_MARKET_RESOLVED", "INVALID", "UNMATCHED":
		return ResultCancelled
	default:
		return ResultUnknown
	}
}
