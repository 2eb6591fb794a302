// Package polygonutil reads the funder's USDC collateral and exchange
// allowances so the bot can warn before it starts trading underfunded.
package polygonutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	orderconfig "github.com/polymarket/go-order-utils/pkg/config"
	"github.com/shopspring/decimal"

	"github.com/lingreerjr-eng/polybot-ws/internal/clob"
)

const USDCTokenDecimals = 6

var (
	erc20BalanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	erc20AllowanceSelector = crypto.Keccak256([]byte("allowance(address,address)"))[:4]
)

// Funds is a collateral snapshot in USDC units. Allowances are keyed by
// spender; unlimited approvals come back as very large values.
type Funds struct {
	Source     string
	Balance    decimal.Decimal
	Allowances map[string]decimal.Decimal
}

// MinAllowance is the smallest allowance across spenders, or zero when none
// were read.
func (f Funds) MinAllowance() decimal.Decimal {
	first := true
	var out decimal.Decimal
	for _, a := range f.Allowances {
		if first || a.LessThan(out) {
			out = a
			first = false
		}
	}
	return out
}

// ValidateRPCURL rejects placeholder or non-RPC URLs.
func ValidateRPCURL(rpcURL string) error {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return errors.New("polygon RPC URL missing")
	}
	if !strings.HasPrefix(rpcURL, "wss") && !strings.HasPrefix(rpcURL, "ws") && !strings.HasPrefix(rpcURL, "http") {
		return fmt.Errorf("polygon RPC URL must be ws(s):// or http(s)://, got %q", rpcURL)
	}
	if strings.Contains(rpcURL, "YOUR_KEY") {
		return errors.New("polygon RPC URL still contains placeholder YOUR_KEY")
	}
	return nil
}

// ReadUSDC calls balanceOf and allowance on the chain's collateral token.
// Zero and duplicate spenders are skipped.
func ReadUSDC(ctx context.Context, caller ethereum.ContractCaller, token, owner common.Address, spenders []common.Address) (Funds, error) {
	if (owner == common.Address{}) {
		return Funds{}, errors.New("owner address missing")
	}
	call := func(data []byte) (*big.Int, error) {
		out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, errors.New("empty result")
		}
		return new(big.Int).SetBytes(out), nil
	}

	balData := append(append([]byte{}, erc20BalanceOfSelector...), common.LeftPadBytes(owner.Bytes(), 32)...)
	bal, err := call(balData)
	if err != nil {
		return Funds{}, fmt.Errorf("usdc balanceOf(%s): %w", owner.Hex(), err)
	}

	funds := Funds{
		Source:     "rpc",
		Balance:    decimal.NewFromBigInt(bal, -USDCTokenDecimals),
		Allowances: make(map[string]decimal.Decimal, len(spenders)),
	}
	for _, sp := range spenders {
		if (sp == common.Address{}) {
			continue
		}
		if _, ok := funds.Allowances[sp.Hex()]; ok {
			continue
		}
		data := make([]byte, 0, 4+32+32)
		data = append(data, erc20AllowanceSelector...)
		data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
		data = append(data, common.LeftPadBytes(sp.Bytes(), 32)...)
		a, err := call(data)
		if err != nil {
			return Funds{}, fmt.Errorf("usdc allowance(%s,%s): %w", owner.Hex(), sp.Hex(), err)
		}
		funds.Allowances[sp.Hex()] = decimal.NewFromBigInt(a, -USDCTokenDecimals)
	}
	return funds, nil
}

// CollateralSource is the CLOB balance endpoint, used when no RPC URL is set.
type CollateralSource interface {
	GetCollateral(ctx context.Context) (clob.Collateral, error)
}

type CheckRequest struct {
	RPCURL  string
	ChainID int64
	Owner   common.Address

	// Required is the worst-case cost of one pair attempt.
	Required decimal.Decimal

	Venue CollateralSource
}

// Check reads funds over RPC when an RPC URL is configured, else from the
// CLOB, and reports shortfalls as warnings. Read failures are errors; a
// shortfall is not.
func Check(ctx context.Context, req CheckRequest) (Funds, []string, error) {
	funds, err := read(ctx, req)
	if err != nil {
		return Funds{}, nil, err
	}
	var warnings []string
	if funds.Balance.LessThan(req.Required) {
		warnings = append(warnings, fmt.Sprintf("usdc balance %s below pair cost %s", funds.Balance.StringFixed(2), req.Required.StringFixed(2)))
	}
	for spender, a := range funds.Allowances {
		if a.LessThan(req.Required) {
			name := spender
			if name == "" {
				name = "exchange"
			}
			warnings = append(warnings, fmt.Sprintf("allowance to %s is %s, below pair cost %s", name, a.StringFixed(2), req.Required.StringFixed(2)))
		}
	}
	return funds, warnings, nil
}

func read(ctx context.Context, req CheckRequest) (Funds, error) {
	if strings.TrimSpace(req.RPCURL) == "" {
		if req.Venue == nil {
			return Funds{}, errors.New("no RPC URL and no CLOB collateral source")
		}
		c, err := req.Venue.GetCollateral(ctx)
		if err != nil {
			return Funds{}, fmt.Errorf("clob collateral: %w", err)
		}
		return Funds{Source: "clob", Balance: c.Balance, Allowances: c.Allowances}, nil
	}

	if err := ValidateRPCURL(req.RPCURL); err != nil {
		return Funds{}, err
	}
	contracts, err := orderconfig.GetContracts(req.ChainID)
	if err != nil {
		return Funds{}, fmt.Errorf("contracts for chain %d: %w", req.ChainID, err)
	}
	client, err := ethclient.DialContext(ctx, req.RPCURL)
	if err != nil {
		return Funds{}, fmt.Errorf("dial polygon RPC: %w", err)
	}
	defer client.Close()

	return ReadUSDC(ctx, client, contracts.Collateral, req.Owner, []common.Address{contracts.Exchange, contracts.NegRiskExchange})
}
