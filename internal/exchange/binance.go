package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradelink/tradelink-api/internal/types"
)

const (
	binanceMainnetURL = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"

	// recvWindow bounds how far a signed request's timestamp may drift from
	// the exchange clock before it is rejected.
	binanceRecvWindow = 5000
)

// Binance implements Adapter against the Binance spot REST API.
type Binance struct {
	creds   types.Credentials
	baseURL string
	http    *http.Client

	mu         sync.Mutex
	timeOffset int64 // exchange clock minus local clock, ms
	timeSynced bool
}

// NewBinance returns a Binance adapter bound to one account.
func NewBinance(creds types.Credentials, testnet bool) Adapter {
	base := binanceMainnetURL
	if testnet {
		base = binanceTestnetURL
	}
	return &Binance{
		creds:   creds,
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) ServerTime(ctx context.Context) (int64, error) {
	body, err := b.get(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

func (b *Binance) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := b.get(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return decimal.Zero, err
	}
	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker price: %w", err)
	}
	price, err := decimal.NewFromString(res.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ticker price %q: %w", res.Price, err)
	}
	return price, nil
}

func (b *Binance) Balances(ctx context.Context) ([]types.Balance, error) {
	info, err := b.accountInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.balances(), nil
}

func (b *Binance) SymbolFilters(ctx context.Context, symbol string) (*types.SymbolFilters, error) {
	body, err := b.get(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}

	var res struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(res.Symbols) == 0 {
		return nil, fmt.Errorf("symbol %s not listed", symbol)
	}

	filters := &types.SymbolFilters{}
	for _, f := range res.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			filters.MinQuantity, _ = decimal.NewFromString(f.MinQty)
			filters.MaxQuantity, _ = decimal.NewFromString(f.MaxQty)
			filters.StepSize, _ = decimal.NewFromString(f.StepSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			filters.MinNotional, _ = decimal.NewFromString(f.MinNotional)
		}
	}
	return filters, nil
}

func (b *Binance) ValidateCredentials(ctx context.Context) types.CredentialCheck {
	info, err := b.accountInfo(ctx)
	if err != nil {
		return types.CredentialCheck{Error: err.Error()}
	}
	// Fail closed: a key that is merely read-only cannot place orders.
	if !info.CanTrade {
		return types.CredentialCheck{Error: "api key does not carry trading permission"}
	}
	return types.CredentialCheck{IsValid: true, Balances: info.balances()}
}

func (b *Binance) ExecuteTrade(ctx context.Context, req types.TradeRequest) types.TradeResult {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", "MARKET")

	// Buy orders spend quote notional, sell orders liquidate base quantity.
	switch req.Side {
	case types.SideBuy:
		params.Set("quoteOrderQty", req.Amount.Truncate(8).String())
	case types.SideSell:
		quantity := b.sellQuantity(ctx, req.Symbol, req.Amount)
		if quantity.Sign() <= 0 {
			return types.TradeResult{Error: fmt.Sprintf("quantity %s truncates to zero for %s", req.Amount, req.Symbol)}
		}
		params.Set("quantity", quantity.String())
	default:
		return types.TradeResult{Error: fmt.Sprintf("unsupported side %q", req.Side)}
	}

	body, err := b.doSigned(ctx, http.MethodPost, "/api/v3/order", params, req.Timestamp)
	if err != nil {
		return types.TradeResult{Error: err.Error()}
	}

	var res struct {
		OrderID      int64  `json:"orderId"`
		Status       string `json:"status"`
		TransactTime int64  `json:"transactTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return types.TradeResult{Error: fmt.Sprintf("decode order response: %v", err)}
	}

	return types.TradeResult{
		Success:    true,
		OrderID:    strconv.FormatInt(res.OrderID, 10),
		ExecutedAt: time.UnixMilli(res.TransactTime),
	}
}

// sellQuantity truncates a base quantity to the symbol's step size before
// submission, so a quantity calculated without filters cannot overshoot a
// step boundary. When the filters cannot be fetched the quantity falls back
// to an 8-decimal truncation and the exchange has the final word.
func (b *Binance) sellQuantity(ctx context.Context, symbol string, amount decimal.Decimal) decimal.Decimal {
	quantity := amount.Truncate(8)
	if filters, err := b.SymbolFilters(ctx, symbol); err == nil {
		quantity = truncateStep(quantity, filters.StepSize)
	}
	return quantity
}

type binanceAccount struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (a *binanceAccount) balances() []types.Balance {
	out := make([]types.Balance, 0, len(a.Balances))
	for _, bal := range a.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, types.Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return out
}

func (b *Binance) accountInfo(ctx context.Context) (*binanceAccount, error) {
	body, err := b.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{}, 0)
	if err != nil {
		return nil, err
	}
	var info binanceAccount
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

// timestamp returns the exchange-synchronized clock in ms, fetching the
// offset from the exchange on first use.
func (b *Binance) timestamp(ctx context.Context) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.timeSynced {
		if serverTime, err := b.ServerTime(ctx); err == nil {
			b.timeOffset = serverTime - time.Now().UnixMilli()
			b.timeSynced = true
		}
	}
	return time.Now().UnixMilli() + b.timeOffset
}

// doSigned appends timestamp, recvWindow and the HMAC signature to the query
// and sends the API key in a header, never in the query string.
func (b *Binance) doSigned(ctx context.Context, method, path string, params url.Values, timestamp int64) ([]byte, error) {
	if b.creds.APIKey == "" || b.creds.SecretKey == "" {
		return nil, fmt.Errorf("binance: api key and secret required")
	}

	if timestamp == 0 {
		timestamp = b.timestamp(ctx)
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.Itoa(binanceRecvWindow))

	// The signature must be the final parameter; the exchange verifies the
	// HMAC over everything preceding it.
	encoded := params.Encode()
	encoded += "&signature=" + sign(encoded, b.creds.SecretKey)

	var (
		req *http.Request
		err error
	)
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, b.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+encoded, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.creds.APIKey)

	return b.do(req)
}

func (b *Binance) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := b.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return b.do(req)
}

func (b *Binance) do(req *http.Request) ([]byte, error) {
	res, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance %s %s status %d: %s", req.Method, req.URL.Path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
