package clob

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	ordermodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

// Venue implements trading.Venue on top of Client.
type Venue struct {
	client *Client

	rngMu sync.Mutex
	rng   *rand.Rand

	// reconcileDelay > 0 enables one GET /data/order lookup for outcomes the
	// batch answer left unknown.
	reconcileDelay time.Duration
}

// reconcileLookupTimeout bounds the order lookups that follow the delay.
const reconcileLookupTimeout = 5 * time.Second

type VenueOption func(*Venue)

// WithReconcile looks up unknown outcomes once, after delay.
func WithReconcile(delay time.Duration) VenueOption {
	return func(v *Venue) { v.reconcileDelay = delay }
}

func NewVenue(client *Client, opts ...VenueOption) (*Venue, error) {
	if client == nil {
		return nil, fmt.Errorf("clob client required")
	}
	now := uint64(time.Now().UnixNano())
	v := &Venue{
		client: client,
		rng:    rand.New(rand.NewPCG(now, now>>1)),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Venue) salt() int64 {
	v.rngMu.Lock()
	defer v.rngMu.Unlock()
	return int64(v.rng.Uint64() & 0x7fffffffffffffff)
}

func orderType(tif trading.TimeInForce) (OrderType, error) {
	switch tif {
	case trading.FillOrKill:
		return OrderTypeFOK, nil
	case trading.ImmediateOrCancel:
		return OrderTypeFAK, nil
	default:
		return "", fmt.Errorf("unsupported time in force %q", tif)
	}
}

func wireSideOf(s trading.Side) Side {
	if s == trading.Sell {
		return SideSell
	}
	return SideBuy
}

// BuildOrder validates the intent. When the token's tick size is already
// cached the wire amounts are checked too, so an off-tick price fails here
// rather than at signing time.
func (v *Venue) BuildOrder(tokenID string, side trading.Side, price, size decimal.Decimal, tif trading.TimeInForce) (trading.OrderIntent, error) {
	o := trading.OrderIntent{TokenID: tokenID, Side: side, Price: price, Size: size, TimeInForce: tif}
	if err := o.Validate(); err != nil {
		return trading.OrderIntent{}, err
	}
	ot, err := orderType(tif)
	if err != nil {
		return trading.OrderIntent{}, err
	}
	v.client.mu.RLock()
	tick, ok := v.client.tickSize[tokenID]
	v.client.mu.RUnlock()
	if ok {
		if _, _, err := OrderAmounts(wireSideOf(side), ot, price, size, tick); err != nil {
			return trading.OrderIntent{}, err
		}
	}
	return o, nil
}

func (v *Venue) Sign(ctx context.Context, o trading.OrderIntent) (trading.SignedOrder, error) {
	ot, err := orderType(o.TimeInForce)
	if err != nil {
		return trading.SignedOrder{}, err
	}
	signed, err := v.client.BuildSignedOrder(ctx, OrderRequest{
		TokenID: o.TokenID,
		Side:    wireSideOf(o.Side),
		Price:   o.Price,
		Size:    o.Size,
		Type:    ot,
	}, v.salt)
	if err != nil {
		return trading.SignedOrder{}, err
	}
	return trading.SignedOrder{Intent: o, Payload: signed}, nil
}

func (v *Venue) Submit(ctx context.Context, orders []trading.OrderIntent) ([]trading.LegOutcome, error) {
	signed := make([]trading.SignedOrder, len(orders))
	for i, o := range orders {
		s, err := v.Sign(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", o.TokenID, err)
		}
		signed[i] = s
	}
	return v.SubmitSigned(ctx, signed)
}

func (v *Venue) SubmitSigned(ctx context.Context, orders []trading.SignedOrder) ([]trading.LegOutcome, error) {
	posts := make([]PostOrder, len(orders))
	for i, o := range orders {
		so, ok := o.Payload.(*ordermodel.SignedOrder)
		if !ok || so == nil {
			return nil, fmt.Errorf("order %d: not signed by this venue", i)
		}
		ot, err := orderType(o.Intent.TimeInForce)
		if err != nil {
			return nil, err
		}
		posts[i] = PostOrder{Order: so, Type: ot}
	}

	results, err := v.client.PostOrders(ctx, posts)
	if err != nil {
		return nil, err
	}
	out := make([]trading.LegOutcome, len(results))
	for i, r := range results {
		out[i] = legOutcome(orders[i].Intent, r)
	}
	if v.reconcileDelay > 0 {
		v.reconcile(ctx, orders, out)
	}
	return out, nil
}

func legOutcome(o trading.OrderIntent, r BatchOrderResult) trading.LegOutcome {
	lo := trading.LegOutcome{TokenID: o.TokenID, OrderID: r.OrderID, Err: r.ErrorMsg}
	switch Classify(r) {
	case ResultFilled:
		lo.Status = trading.StatusFilled
		lo.FilledSize = r.FilledShares(wireSideOf(o.Side))
		if lo.FilledSize.GreaterThan(o.Size) {
			lo.FilledSize = o.Size
		}
	case ResultCancelled:
		lo.Status = trading.StatusCancelled
	default:
		lo.Status = trading.StatusUnknown
	}
	return lo
}

// reconcile gives each unknown outcome with an order id one lookup. Lookup
// failures leave the outcome unknown.
func (v *Venue) reconcile(ctx context.Context, orders []trading.SignedOrder, out []trading.LegOutcome) {
	pending := false
	for _, lo := range out {
		if lo.Status == trading.StatusUnknown && strings.TrimSpace(lo.OrderID) != "" {
			pending = true
			break
		}
	}
	if !pending {
		return
	}

	// The orders are already on the book, so the lookup outlives the
	// submit deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.reconcileDelay+reconcileLookupTimeout)
	defer cancel()

	t := time.NewTimer(v.reconcileDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	for i := range out {
		if out[i].Status != trading.StatusUnknown || out[i].OrderID == "" {
			continue
		}
		info, err := v.client.GetOrder(ctx, out[i].OrderID)
		if err != nil {
			log.Printf("[warn] reconcile %s: %v", out[i].OrderID, err)
			continue
		}
		switch ClassifyOrder(info) {
		case ResultFilled:
			out[i].Status = trading.StatusFilled
			out[i].FilledSize = decimal.Min(info.MatchedSize(), orders[i].Intent.Size)
			if !out[i].FilledSize.IsPositive() {
				out[i].FilledSize = orders[i].Intent.Size
			}
		case ResultCancelled:
			out[i].Status = trading.StatusCancelled
		}
	}
}

var _ trading.Venue = (*Venue)(nil)
