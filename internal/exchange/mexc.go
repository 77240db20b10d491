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
	mexcBaseURL    = "https://api.mexc.com"
	mexcRecvWindow = 5000
)

// Mexc implements Adapter against the MEXC spot REST API, which mirrors the
// Binance v3 surface: signed query strings, the API key in a header and
// quote-notional buys. MEXC has no public spot testnet, so the testnet flag
// is ignored.
type Mexc struct {
	creds   types.Credentials
	baseURL string
	http    *http.Client

	mu         sync.Mutex
	timeOffset int64
	timeSynced bool
}

// NewMexc returns a MEXC adapter bound to one account.
func NewMexc(creds types.Credentials, _ bool) Adapter {
	return &Mexc{
		creds:   creds,
		baseURL: mexcBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *Mexc) Name() string { return "mexc" }

func (m *Mexc) ServerTime(ctx context.Context) (int64, error) {
	body, err := m.get(ctx, "/api/v3/time", nil)
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

func (m *Mexc) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := m.get(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
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

func (m *Mexc) Balances(ctx context.Context) ([]types.Balance, error) {
	info, err := m.accountInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.balances(), nil
}

func (m *Mexc) SymbolFilters(ctx context.Context, symbol string) (*types.SymbolFilters, error) {
	body, err := m.get(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}

	// MEXC publishes precision fields instead of Binance-style filter
	// objects; baseSizePrecision doubles as the quantity step.
	var res struct {
		Symbols []struct {
			Symbol               string `json:"symbol"`
			BaseSizePrecision    string `json:"baseSizePrecision"`
			QuoteAmountPrecision string `json:"quoteAmountPrecision"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(res.Symbols) == 0 {
		return nil, fmt.Errorf("symbol %s not listed", symbol)
	}

	filters := &types.SymbolFilters{}
	if step, err := decimal.NewFromString(res.Symbols[0].BaseSizePrecision); err == nil {
		filters.StepSize = step
		filters.MinQuantity = step
	}
	if minNotional, err := decimal.NewFromString(res.Symbols[0].QuoteAmountPrecision); err == nil {
		filters.MinNotional = minNotional
	}
	return filters, nil
}

func (m *Mexc) ValidateCredentials(ctx context.Context) types.CredentialCheck {
	info, err := m.accountInfo(ctx)
	if err != nil {
		return types.CredentialCheck{Error: err.Error()}
	}
	if !info.CanTrade {
		return types.CredentialCheck{Error: "api key does not carry trading permission"}
	}
	return types.CredentialCheck{IsValid: true, Balances: info.balances()}
}

func (m *Mexc) ExecuteTrade(ctx context.Context, req types.TradeRequest) types.TradeResult {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", "MARKET")

	switch req.Side {
	case types.SideBuy:
		params.Set("quoteOrderQty", req.Amount.Truncate(8).String())
	case types.SideSell:
		quantity := m.sellQuantity(ctx, req.Symbol, req.Amount)
		if quantity.Sign() <= 0 {
			return types.TradeResult{Error: fmt.Sprintf("quantity %s truncates to zero for %s", req.Amount, req.Symbol)}
		}
		params.Set("quantity", quantity.String())
	default:
		return types.TradeResult{Error: fmt.Sprintf("unsupported side %q", req.Side)}
	}

	body, err := m.doSigned(ctx, http.MethodPost, "/api/v3/order", params, req.Timestamp)
	if err != nil {
		return types.TradeResult{Error: err.Error()}
	}

	var res struct {
		OrderID      string `json:"orderId"`
		TransactTime int64  `json:"transactTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return types.TradeResult{Error: fmt.Sprintf("decode order response: %v", err)}
	}

	return types.TradeResult{
		Success:    true,
		OrderID:    res.OrderID,
		ExecutedAt: time.UnixMilli(res.TransactTime),
	}
}

// sellQuantity truncates a base quantity to the symbol's step size before
// submission; see the Binance counterpart.
func (m *Mexc) sellQuantity(ctx context.Context, symbol string, amount decimal.Decimal) decimal.Decimal {
	quantity := amount.Truncate(8)
	if filters, err := m.SymbolFilters(ctx, symbol); err == nil {
		quantity = truncateStep(quantity, filters.StepSize)
	}
	return quantity
}

type mexcAccount struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (a *mexcAccount) balances() []types.Balance {
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

func (m *Mexc) accountInfo(ctx context.Context) (*mexcAccount, error) {
	body, err := m.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{}, 0)
	if err != nil {
		return nil, err
	}
	var info mexcAccount
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

func (m *Mexc) timestamp(ctx context.Context) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.timeSynced {
		if serverTime, err := m.ServerTime(ctx); err == nil {
			m.timeOffset = serverTime - time.Now().UnixMilli()
			m.timeSynced = true
		}
	}
	return time.Now().UnixMilli() + m.timeOffset
}

func (m *Mexc) doSigned(ctx context.Context, method, path string, params url.Values, timestamp int64) ([]byte, error) {
	if m.creds.APIKey == "" || m.creds.SecretKey == "" {
		return nil, fmt.Errorf("mexc: api key and secret required")
	}

	if timestamp == 0 {
		timestamp = m.timestamp(ctx)
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.Itoa(mexcRecvWindow))

	// Signature goes last; the exchange signs everything preceding it.
	encoded := params.Encode()
	encoded += "&signature=" + sign(encoded, m.creds.SecretKey)

	var (
		req *http.Request
		err error
	)
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, m.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, m.baseURL+path+"?"+encoded, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MEXC-APIKEY", m.creds.APIKey)

	return m.do(req)
}

func (m *Mexc) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := m.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return m.do(req)
}

func (m *Mexc) do(req *http.Request) ([]byte, error) {
	res, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("mexc %s %s status %d: %s", req.Method, req.URL.Path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
