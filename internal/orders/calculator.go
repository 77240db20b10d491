// Package orders turns a signal's sizing instructions into a concrete,
// exchange-valid order quantity.
package orders

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradelink/tradelink-api/internal/types"
)

// Calculation is the result of resolving a signal's order size against live
// balances and the current price. It is persisted into the signal record's
// metadata so a resumed record can skip recomputation. Warnings are
// non-fatal notes unless Fatal is set, in which case the first warning is
// the failure reason and the record must not be executed.
type Calculation struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"` // base units
	BaseAmount  decimal.Decimal `json:"base_amount"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	Price       decimal.Decimal `json:"price"` // resolved price used throughout the record's lifecycle
	OrderSize   string          `json:"order_size"`
	Side        types.Side      `json:"side"`
	Warnings    []string        `json:"warnings,omitempty"`
	Fatal       bool            `json:"fatal,omitempty"`
}

func (c *Calculation) warn(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Calculation) fail(format string, args ...interface{}) Calculation {
	c.warn(format, args...)
	c.Fatal = true
	return *c
}

// FatalReason returns the failure message of a fatal calculation.
func (c *Calculation) FatalReason() string {
	if !c.Fatal || len(c.Warnings) == 0 {
		return ""
	}
	return c.Warnings[len(c.Warnings)-1]
}

// IsPercentage reports whether an order size is expressed as a percentage
// of the free balance rather than an absolute amount.
func IsPercentage(orderSize string) bool {
	return strings.HasSuffix(strings.TrimSpace(orderSize), "%")
}

var hundred = decimal.NewFromInt(100)

// quoteAssets are the quote currencies recognized when splitting a trading
// pair, longest suffix first.
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "EUR", "TRY", "BTC", "ETH", "BNB", "DAI", "USD",
}

// SplitSymbol splits a trading pair like BTCUSDT into base and quote assets.
func SplitSymbol(symbol string) (base, quote string, err error) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, nil
		}
	}
	return "", "", fmt.Errorf("cannot determine quote asset of symbol %q", symbol)
}

// Calculate resolves orderSize and positionSize into a concrete trade
// amount. It is a pure function of its inputs: balances and price are
// fetched by the caller, the symbol filters may be nil when the exchange
// did not provide them.
//
// Sizing semantics follow the order side asymmetry: a buy is ultimately
// expressed as quote-currency notional, a sell as base-asset quantity.
// Percentage sizes resolve against the free balance of the asset being
// spent; absolute sizes are taken at face value.
func Calculate(balances []types.Balance, orderSize, positionSize, symbol string, price decimal.Decimal, side types.Side, filters *types.SymbolFilters) Calculation {
	calc := Calculation{Symbol: symbol, OrderSize: orderSize, Side: side, Price: price}

	if !side.Valid() {
		return calc.fail("unsupported action %q", side)
	}
	if price.Sign() <= 0 {
		return calc.fail("invalid price %s for %s", price, symbol)
	}

	baseAsset, quoteAsset, err := SplitSymbol(symbol)
	if err != nil {
		return calc.fail("%v", err)
	}
	freeBase := types.FreeBalance(balances, baseAsset)
	freeQuote := types.FreeBalance(balances, quoteAsset)

	// position_size targets the holding after the order completes. Short
	// targets are unsupported and must surface as a hard error rather
	// than a silent clamp to flat.
	var target *decimal.Decimal
	if strings.TrimSpace(positionSize) != "" {
		t, err := decimal.NewFromString(strings.TrimSpace(positionSize))
		if err != nil {
			return calc.fail("invalid position_size %q", positionSize)
		}
		if t.Sign() < 0 {
			return calc.fail("short positions are not supported (position_size %s)", t)
		}
		target = &t
	}

	if IsPercentage(orderSize) {
		pct, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(orderSize), "%")))
		if err != nil || pct.Sign() <= 0 || pct.GreaterThan(hundred) {
			return calc.fail("order_size %q is not a percentage in (0, 100]", orderSize)
		}
		fraction := pct.Div(hundred)

		switch side {
		case types.SideBuy:
			calc.QuoteAmount = freeQuote.Mul(fraction)
			calc.BaseAmount = calc.QuoteAmount.Div(price)
		case types.SideSell:
			calc.BaseAmount = freeBase.Mul(fraction)
			calc.QuoteAmount = calc.BaseAmount.Mul(price)
		}

		// In percentage mode the target is on a 0..1 scale (1 = fully
		// long); values above that have no meaning.
		if target != nil && target.GreaterThan(decimal.NewFromInt(1)) {
			calc.warn("position_size %s exceeds 1, treating as fully long", target)
		}
	} else {
		amount, err := decimal.NewFromString(strings.TrimSpace(orderSize))
		if err != nil || amount.Sign() <= 0 {
			return calc.fail("order_size %q is not a positive amount", orderSize)
		}

		switch side {
		case types.SideBuy:
			calc.QuoteAmount = amount
			calc.BaseAmount = amount.Div(price)
		case types.SideSell:
			calc.BaseAmount = amount
			calc.QuoteAmount = amount.Mul(price)
		}

		// An absolute position_size is the literal target holding in base
		// units; reconcile it against what the account already holds.
		if target != nil {
			if reconciled, ok := reconcileTarget(&calc, *target, freeBase, side); ok {
				if reconciled.LessThan(calc.BaseAmount) {
					calc.warn("order reduced from %s to %s to meet target position %s", calc.BaseAmount, reconciled, target)
					calc.BaseAmount = reconciled
					calc.QuoteAmount = reconciled.Mul(price)
				}
			} else {
				return calc
			}
		}
	}

	if calc.BaseAmount.Sign() <= 0 {
		return calc.fail("computed quantity is zero for order_size %q", orderSize)
	}

	if filters != nil {
		applyFilters(&calc, filters)
		if calc.Fatal {
			return calc
		}
	}

	calc.Quantity = calc.BaseAmount
	return calc
}

// reconcileTarget caps the order so the position lands on the absolute
// target. Returns ok=false after marking the calculation fatal when the
// target would require trading in the opposite direction.
func reconcileTarget(calc *Calculation, target, freeBase decimal.Decimal, side types.Side) (decimal.Decimal, bool) {
	switch side {
	case types.SideBuy:
		room := target.Sub(freeBase)
		if room.Sign() <= 0 {
			calc.fail("target position %s already reached (holding %s), buy would overshoot", target, freeBase)
			return decimal.Zero, false
		}
		return room, true
	default:
		room := freeBase.Sub(target)
		if room.Sign() <= 0 {
			calc.fail("target position %s at or above current holding %s, sell would invert direction", target, freeBase)
			return decimal.Zero, false
		}
		return room, true
	}
}

// applyFilters clamps the base amount to the exchange's symbol filters.
// Clamping that stays on the same side of zero is a warning; clamping that
// erases the order is fatal.
func applyFilters(calc *Calculation, filters *types.SymbolFilters) {
	if filters.StepSize.Sign() > 0 {
		truncated := calc.BaseAmount.Div(filters.StepSize).Floor().Mul(filters.StepSize)
		if truncated.Sign() <= 0 {
			calc.fail("quantity %s below step size %s", calc.BaseAmount, filters.StepSize)
			return
		}
		calc.BaseAmount = truncated
	}

	if filters.MaxQuantity.Sign() > 0 && calc.BaseAmount.GreaterThan(filters.MaxQuantity) {
		calc.warn("quantity %s clamped to exchange maximum %s", calc.BaseAmount, filters.MaxQuantity)
		calc.BaseAmount = filters.MaxQuantity
	}

	if filters.MinQuantity.Sign() > 0 && calc.BaseAmount.LessThan(filters.MinQuantity) {
		calc.fail("quantity %s below exchange minimum %s", calc.BaseAmount, filters.MinQuantity)
		return
	}

	if filters.MinNotional.Sign() > 0 {
		notional := calc.BaseAmount.Mul(calc.Price)
		if notional.LessThan(filters.MinNotional) {
			calc.fail("order value %s below minimum notional %s", notional, filters.MinNotional)
			return
		}
	}

	calc.QuoteAmount = calc.BaseAmount.Mul(calc.Price)
}
