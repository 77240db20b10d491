package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tradelink/tradelink-api/internal/types"
)

// ErrUnsupportedExchange is returned when a bot is bound to an exchange
// the registry knows nothing about.
var ErrUnsupportedExchange = errors.New("unsupported exchange")

// Adapter is the capability set implemented once per exchange. Adapters are
// stateless apart from credentials and a cached server-time offset; every
// call that touches the network takes a context and runs under the HTTP
// client's timeout.
type Adapter interface {
	// Name returns the exchange identifier, e.g. "binance".
	Name() string

	// ServerTime returns the exchange clock in Unix milliseconds. Signed
	// requests should prefer this over the local clock so diverging clocks
	// do not produce rejected signatures.
	ServerTime(ctx context.Context) (int64, error)

	// CurrentPrice returns the last traded price for symbol.
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Balances returns all non-zero asset balances for the account.
	Balances(ctx context.Context) ([]types.Balance, error)

	// SymbolFilters returns the exchange's trading constraints for symbol.
	SymbolFilters(ctx context.Context, symbol string) (*types.SymbolFilters, error)

	// ValidateCredentials tests the API key pair. A key without trading
	// permission is reported as invalid, and so is a key whose permission
	// set cannot be determined.
	ValidateCredentials(ctx context.Context) types.CredentialCheck

	// ExecuteTrade submits a market order. Buy amounts are quote-currency
	// notional, sell amounts are base-asset quantity. Exchange-side errors
	// come back in the result, never as a Go error.
	ExecuteTrade(ctx context.Context, req types.TradeRequest) types.TradeResult
}

// Factory constructs an adapter bound to one account's credentials.
type Factory func(creds types.Credentials, testnet bool) Adapter

// Registry maps exchange names to adapter factories. It is built explicitly
// by the composition root; there is no package-level registration.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Later registrations replace earlier
// ones.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// New builds a credential-bound adapter for the named exchange.
func (r *Registry) New(name string, creds types.Credentials, testnet bool) (Adapter, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, name)
	}
	return factory(creds, testnet), nil
}

// Names returns the registered exchange names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sign computes the hex-encoded HMAC-SHA256 signature over an encoded query
// string using the account secret.
func sign(query, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

// truncateStep truncates quantity down to a multiple of step. Orders are
// never rounded up: overshooting a step boundary fails exchange-side
// quantity validation.
func truncateStep(quantity, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return quantity
	}
	return quantity.Div(step).Floor().Mul(step)
}
