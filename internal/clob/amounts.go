package clob

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts on the wire are integers in 1e-6 units for both collateral and
// outcome shares.
const unitDecimals = 6

type roundConfig struct {
	price  int
	size   int
	amount int
}

var roundingByTickSize = map[string]roundConfig{
	"0.1":    {price: 1, size: 2, amount: 3},
	"0.01":   {price: 2, size: 2, amount: 4},
	"0.001":  {price: 3, size: 2, amount: 5},
	"0.0001": {price: 4, size: 2, amount: 6},
}

// Marketable orders (FOK/FAK) are held to a stricter precision than resting
// ones. The CLOB rejects with "maker amount supports a max accuracy of 2
// decimals, taker amount a max of 4 decimals" otherwise.
const (
	marketableMakerDecimals = 2
	marketableTakerDecimals = 4
)

var unitStep [unitDecimals + 1]*big.Int

func init() {
	for keep := 0; keep <= unitDecimals; keep++ {
		unitStep[keep] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(unitDecimals-keep)), nil)
	}
}

func tickScale(tickSize string) (scale *big.Int, priceDecimals int, err error) {
	rc, ok := roundingByTickSize[strings.TrimSpace(tickSize)]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported tick size %q", tickSize)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(rc.price)), nil), rc.price, nil
}

func roundDownUnits(units *big.Int, keepDecimals int) *big.Int {
	if keepDecimals >= unitDecimals {
		return new(big.Int).Set(units)
	}
	step := unitStep[max(keepDecimals, 0)]
	q := new(big.Int).Quo(units, step)
	return q.Mul(q, step)
}

func roundNearestUnits(units *big.Int, keepDecimals int) *big.Int {
	if keepDecimals >= unitDecimals {
		return new(big.Int).Set(units)
	}
	step := unitStep[max(keepDecimals, 0)]
	q := new(big.Int).Add(units, new(big.Int).Rsh(step, 1))
	q.Quo(q, step)
	return q.Mul(q, step)
}

// quantizeMarketable rounds maker to 2 decimals and recomputes taker from
// the tick price, rounded down to 4 decimals. Sell makers (shares) always
// round down so the order never exceeds the position.
//
// BUY: maker = collateral, taker = shares. SELL: maker = shares, taker =
// collateral.
func quantizeMarketable(side Side, makerUnits, priceTicks, scale *big.Int) (maker, taker *big.Int, err error) {
	if makerUnits.Sign() <= 0 {
		return nil, nil, fmt.Errorf("maker amount must be > 0")
	}
	if priceTicks.Sign() <= 0 || scale.Sign() <= 0 {
		return nil, nil, fmt.Errorf("price must be > 0")
	}

	switch side {
	case SideBuy:
		maker = roundNearestUnits(makerUnits, marketableMakerDecimals)
	case SideSell:
		maker = roundDownUnits(makerUnits, marketableMakerDecimals)
	default:
		return nil, nil, fmt.Errorf("invalid side %q", side)
	}
	if maker.Sign() <= 0 {
		return nil, nil, fmt.Errorf("maker amount rounds to 0")
	}

	taker = new(big.Int)
	if side == SideBuy {
		taker.Mul(maker, scale).Quo(taker, priceTicks)
	} else {
		taker.Mul(maker, priceTicks).Quo(taker, scale)
	}
	taker = roundDownUnits(taker, marketableTakerDecimals)
	if taker.Sign() <= 0 {
		return nil, nil, fmt.Errorf("taker amount rounds to 0")
	}
	return maker, taker, nil
}

// limitAmounts converts a price/size order into wire maker/taker amounts for
// a resting order, following the tick's rounding config.
func limitAmounts(side Side, priceTicks, scale *big.Int, size decimal.Decimal, rc roundConfig) (maker, taker *big.Int, err error) {
	shares := toUnits(size.RoundDown(int32(rc.size)))
	if shares.Sign() <= 0 {
		return nil, nil, fmt.Errorf("size %s rounds to 0", size)
	}
	collateral := new(big.Int).Mul(shares, priceTicks)
	collateral.Quo(collateral, scale)
	collateral = roundDownUnits(collateral, rc.amount)
	if collateral.Sign() <= 0 {
		return nil, nil, fmt.Errorf("notional rounds to 0")
	}
	if side == SideBuy {
		return collateral, shares, nil
	}
	return shares, collateral, nil
}

// OrderAmounts returns the maker/taker wire amounts for a limit order of
// size shares at price. price must sit on the tick grid inside
// [tick, 1-tick]. FOK and FAK orders get the marketable precision rails.
func OrderAmounts(side Side, orderType OrderType, price, size decimal.Decimal, tickSize string) (maker, taker *big.Int, err error) {
	scale, priceDecimals, err := tickScale(tickSize)
	if err != nil {
		return nil, nil, err
	}
	tick := decimal.RequireFromString(strings.TrimSpace(tickSize))
	if price.LessThan(tick) || price.GreaterThan(decimal.NewFromInt(1).Sub(tick)) {
		return nil, nil, fmt.Errorf("price %s outside [%s, %s]", price, tick, decimal.NewFromInt(1).Sub(tick))
	}
	if !price.Mod(tick).IsZero() {
		return nil, nil, fmt.Errorf("price %s not on tick %s", price, tick)
	}
	if !size.IsPositive() {
		return nil, nil, fmt.Errorf("size must be > 0, got %s", size)
	}
	priceTicks := price.Shift(int32(priceDecimals)).BigInt()

	if orderType != OrderTypeFOK && orderType != OrderTypeFAK {
		return limitAmounts(side, priceTicks, scale, size, roundingByTickSize[strings.TrimSpace(tickSize)])
	}

	makerUnits := toUnits(size)
	if side == SideBuy {
		makerUnits.Mul(makerUnits, priceTicks).Quo(makerUnits, scale)
	}
	return quantizeMarketable(side, makerUnits, priceTicks, scale)
}

func toUnits(d decimal.Decimal) *big.Int {
	return d.Shift(unitDecimals).Truncate(0).BigInt()
}

// FromUnits converts a 1e-6 wire amount back to a decimal.
func FromUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -unitDecimals)
}
