package clob

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
)

// Collateral is the venue's view of the funder's USDC balance and the
// exchange allowances, in human units.
type Collateral struct {
	Balance    decimal.Decimal
	Allowances map[string]decimal.Decimal
}

type balanceAllowanceResp struct {
	Balance    decimalString            `json:"balance"`
	Allowances map[string]decimalString `json:"allowances"`
	Allowance  decimalString            `json:"allowance"`
}

// GetCollateral reads GET /balance-allowance for the COLLATERAL asset. The
// venue answers in 1e-6 units.
func (c *Client) GetCollateral(ctx context.Context) (Collateral, error) {
	q := url.Values{}
	q.Set("asset_type", "COLLATERAL")
	q.Set("signature_type", strconv.Itoa(c.signatureType))

	var resp balanceAllowanceResp
	if err := c.doL2(ctx, http.MethodGet, "/balance-allowance", q, nil, &resp); err != nil {
		return Collateral{}, err
	}
	out := Collateral{
		Balance:    microsToDecimal(resp.Balance),
		Allowances: make(map[string]decimal.Decimal, len(resp.Allowances)+1),
	}
	for spender, v := range resp.Allowances {
		out.Allowances[spender] = microsToDecimal(v)
	}
	if resp.Allowance != "" {
		out.Allowances[""] = microsToDecimal(resp.Allowance)
	}
	return out, nil
}

func microsToDecimal(s decimalString) decimal.Decimal {
	d, err := decimal.NewFromString(string(s))
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-unitDecimals)
}
