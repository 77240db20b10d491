package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade instruction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the supported directions.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Credentials holds the API key pair for a single exchange account.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Balance is a single asset balance as reported by an exchange.
// Balances are always fetched live and never cached.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// FreeBalance returns the free amount for the given asset, or zero if the
// account holds none of it.
func FreeBalance(balances []Balance, asset string) decimal.Decimal {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}

// SymbolFilters carries the exchange's trading constraints for a symbol.
// Any field may be zero when the exchange does not publish that filter.
type SymbolFilters struct {
	MinQuantity decimal.Decimal `json:"min_quantity"`
	MaxQuantity decimal.Decimal `json:"max_quantity"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// TradeRequest describes a market order submission. Amount is quote-currency
// notional for a buy and base-asset quantity for a sell; the two sides are
// not symmetric.
type TradeRequest struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// TradeResult is the outcome of an order submission. Exchange-side failures
// are reported through Success/Error rather than a Go error so the caller's
// state machine can record them without unwinding.
type TradeResult struct {
	Success    bool      `json:"success"`
	OrderID    string    `json:"order_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at,omitempty"`
}

// CredentialCheck is the result of testing an API key pair against the
// exchange. IsValid requires the key to carry trading permission.
type CredentialCheck struct {
	IsValid  bool      `json:"is_valid"`
	Balances []Balance `json:"balances,omitempty"`
	Error    string    `json:"error,omitempty"`
}
