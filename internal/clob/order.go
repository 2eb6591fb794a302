package clob

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	orderbuilder "github.com/polymarket/go-order-utils/pkg/builder"
	ordermodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/shopspring/decimal"
)

const zeroAddressHex = "0x0000000000000000000000000000000000000000"

// OrderRequest is a limit order in human units.
type OrderRequest struct {
	TokenID string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal
	Type    OrderType
}

// BuildSignedOrder resolves the token's tick size, fee rate and exchange,
// computes wire amounts and signs the order with the client key.
func (c *Client) BuildSignedOrder(ctx context.Context, req OrderRequest, saltGen func() int64) (*ordermodel.SignedOrder, error) {
	var sideEnum ordermodel.Side
	switch req.Side {
	case SideBuy:
		sideEnum = ordermodel.BUY
	case SideSell:
		sideEnum = ordermodel.SELL
	default:
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}

	tickSize, err := c.GetTickSize(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	maker, taker, err := OrderAmounts(req.Side, req.Type, req.Price, req.Size, tickSize)
	if err != nil {
		return nil, fmt.Errorf("%s %s@%s: %w", req.Side, req.TokenID, req.Price, err)
	}
	feeBps, err := c.GetFeeRateBps(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	negRisk, err := c.GetNegRisk(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	contract := ordermodel.CTFExchange
	if negRisk {
		contract = ordermodel.NegRiskCTFExchange
	}

	od := &ordermodel.OrderData{
		Maker:         c.funder.Hex(),
		Taker:         zeroAddressHex,
		TokenId:       req.TokenID,
		MakerAmount:   maker.String(),
		TakerAmount:   taker.String(),
		FeeRateBps:    strconv.Itoa(feeBps),
		Nonce:         "0",
		Signer:        c.signer.Hex(),
		Expiration:    "0",
		Side:          sideEnum,
		SignatureType: ordermodel.SignatureType(c.signatureType),
	}
	b := orderbuilder.NewExchangeOrderBuilderImpl(big.NewInt(c.chainID), saltGen)
	return b.BuildSignedOrder(c.privateKey, od, contract)
}

type orderPayload struct {
	DeferExec bool      `json:"deferExec"`
	Order     orderJSON `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

type orderJSON struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          Side   `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

func newOrderPayload(order *ordermodel.SignedOrder, orderType OrderType, owner string) orderPayload {
	return orderPayload{
		Owner:     owner,
		OrderType: orderType,
		Order: orderJSON{
			Salt:          order.Salt.Int64(),
			Maker:         order.Maker.Hex(),
			Signer:        order.Signer.Hex(),
			Taker:         order.Taker.Hex(),
			TokenID:       order.TokenId.String(),
			MakerAmount:   order.MakerAmount.String(),
			TakerAmount:   order.TakerAmount.String(),
			Expiration:    order.Expiration.String(),
			Nonce:         order.Nonce.String(),
			FeeRateBps:    order.FeeRateBps.String(),
			Side:          wireSide(order.Side),
			SignatureType: int(order.SignatureType.Int64()),
			Signature:     "0x" + common.Bytes2Hex(order.Signature),
		},
	}
}

func wireSide(v *big.Int) Side {
	if v != nil && v.Int64() == int64(ordermodel.SELL) {
		return SideSell
	}
	return SideBuy
}

// PostOrder pairs a signed order with the time-in-force it is posted under.
type PostOrder struct {
	Order *ordermodel.SignedOrder
	Type  OrderType
}

// BatchOrderResult is the venue's answer for one order of POST /orders.
// Amounts are human-unit decimal strings.
type BatchOrderResult struct {
	Success      bool          `json:"success"`
	ErrorMsg     string        `json:"errorMsg,omitempty"`
	OrderID      string        `json:"orderId,omitempty"`
	Status       string        `json:"status,omitempty"`
	MakingAmount decimalString `json:"makingAmount,omitempty"`
	TakingAmount decimalString `json:"takingAmount,omitempty"`
	TxHashes     []string      `json:"transactionsHashes,omitempty"`
}

// Result classes of a submitted order, decided by Classify.
type Result int

const (
	ResultUnknown Result = iota
	ResultFilled
	ResultCancelled
)

// Classify maps a batch answer onto a leg result. The venue reports
// success=true for killed FOK orders, so errorMsg is checked too; a filled
// order must carry a matched status. Anything else (unmatched, delayed, live
// or no status at all) is unknown, never inferred from the order id.
func Classify(r BatchOrderResult) Result {
	if !r.Success || strings.TrimSpace(r.ErrorMsg) != "" {
		return ResultCancelled
	}
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "matched", "mined", "confirmed":
		return ResultFilled
	default:
		return ResultUnknown
	}
}

// FilledShares returns the shares the order moved: taking amount for buys,
// making amount for sells. Zero when the venue did not say.
func (r BatchOrderResult) FilledShares(side Side) decimal.Decimal {
	s := r.TakingAmount
	if side == SideSell {
		s = r.MakingAmount
	}
	d, err := decimal.NewFromString(string(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PostOrders submits up to MaxBatchOrders signed orders in one request.
// Results are position-aligned with orders.
func (c *Client) PostOrders(ctx context.Context, orders []PostOrder) ([]BatchOrderResult, error) {
	if len(orders) == 0 {
		return nil, fmt.Errorf("no orders provided")
	}
	if len(orders) > MaxBatchOrders {
		return nil, fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(orders))
	}
	creds := c.apiCreds()
	if creds == nil {
		return nil, ErrAPICredsMissing
	}

	payloads := make([]orderPayload, len(orders))
	for i, o := range orders {
		if o.Order == nil {
			return nil, fmt.Errorf("order at index %d is nil", i)
		}
		payloads[i] = newOrderPayload(o.Order, o.Type, creds.Key)
	}
	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal batch orders: %w", err)
	}

	var resp []BatchOrderResult
	if err := c.doL2(ctx, http.MethodPost, "/orders", nil, body, &resp); err != nil {
		return nil, err
	}
	if len(resp) != len(orders) {
		return nil, fmt.Errorf("batch answered %d results for %d orders", len(resp), len(orders))
	}
	return resp, nil
}
