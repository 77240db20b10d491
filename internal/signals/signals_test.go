package signals

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tradelink/tradelink-api/internal/bots"
	"github.com/tradelink/tradelink-api/internal/cache"
	"github.com/tradelink/tradelink-api/internal/orders"
	"github.com/tradelink/tradelink-api/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type webhookFixture struct {
	db      *gorm.DB
	service *Service
	router  *gin.Engine
	bot     *bots.Bot
}

func setupWebhook(t *testing.T) *webhookFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&bots.Bot{}, &Signal{}))

	store := cache.New(cache.Config{Provider: cache.ProviderMemory, DefaultTTL: 60})
	t.Cleanup(store.Stop)

	bot := &bots.Bot{
		BotID:       "bot-1",
		PublicID:    "pub-1",
		ClientID:    "client-1",
		Name:        "webhook bot",
		Enabled:     true,
		TradingPair: "BTCUSDT",
		Exchange:    bots.ExchangeBinding{Name: "binance", APIKey: "k", SecretKey: "s"},
		Webhook: bots.WebhookConfig{
			Enabled: true,
			Secret:  "hunter2",
		},
	}
	require.NoError(t, db.Create(bot).Error)

	service := NewService(db, bots.NewService(db, store))
	t.Cleanup(service.Stop)
	handlers := NewGinHandlers(service)

	router := gin.New()
	router.POST("/api/v1/webhook/:public_id", handlers.WebhookHandler())

	return &webhookFixture{db: db, service: service, router: router, bot: bot}
}

func (f *webhookFixture) post(t *testing.T, publicID string, payload map[string]interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/"+publicID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validPayload() map[string]interface{} {
	return map[string]interface{}{
		"schema":     "2",
		"action":     "buy",
		"ticker":     "BTCUSDT",
		"order_size": "100%",
		"secret":     "hunter2",
	}
}

func TestWebhookAcceptsValidSignal(t *testing.T) {
	f := setupWebhook(t)

	w := f.post(t, "pub-1", validPayload(), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			SignalID string `json:"signal_id"`
			Status   Status `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Data.SignalID)
	assert.Equal(t, StatusReceived, resp.Data.Status)

	// The response must not leak the internal bot id.
	assert.NotContains(t, w.Body.String(), f.bot.BotID)

	stored, err := f.service.db.GetSignal(resp.Data.SignalID)
	require.NoError(t, err)
	assert.Equal(t, f.bot.BotID, stored.BotID)
	assert.Equal(t, StatusReceived, stored.Status)
	assert.Equal(t, "100%", stored.OrderSize)
}

func TestWebhookSecretViaHeader(t *testing.T) {
	f := setupWebhook(t)

	payload := validPayload()
	delete(payload, "secret")

	w := f.post(t, "pub-1", payload, map[string]string{"X-Webhook-Secret": "hunter2"})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	f := setupWebhook(t)

	payload := validPayload()
	payload["secret"] = "wrong"

	w := f.post(t, "pub-1", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookUnknownBotReturns404(t *testing.T) {
	f := setupWebhook(t)

	w := f.post(t, "no-such-bot", validPayload(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookRejectsDisabledBot(t *testing.T) {
	f := setupWebhook(t)
	require.NoError(t, f.db.Model(&bots.Bot{}).
		Where("bot_id = ?", f.bot.BotID).
		Update("enabled", false).Error)

	w := f.post(t, "pub-1", validPayload(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookRejectsWhenWebhookDisabled(t *testing.T) {
	f := setupWebhook(t)
	require.NoError(t, f.db.Model(&bots.Bot{}).
		Where("bot_id = ?", f.bot.BotID).
		Update("webhook_enabled", false).Error)

	w := f.post(t, "pub-1", validPayload(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookRejectsTickerMismatch(t *testing.T) {
	f := setupWebhook(t)

	payload := validPayload()
	payload["ticker"] = "ETHUSDT"

	w := f.post(t, "pub-1", payload, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "trading pair")
}

func TestWebhookRejectsUnsupportedSchema(t *testing.T) {
	f := setupWebhook(t)

	payload := validPayload()
	payload["schema"] = "1"

	w := f.post(t, "pub-1", payload, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "schema")
}

func TestWebhookRejectsUnknownAction(t *testing.T) {
	f := setupWebhook(t)

	payload := validPayload()
	payload["action"] = "hold"

	w := f.post(t, "pub-1", payload, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRateLimitPerBot(t *testing.T) {
	f := setupWebhook(t)
	require.NoError(t, f.db.Model(&bots.Bot{}).
		Where("bot_id = ?", f.bot.BotID).
		Update("webhook_max_orders_per_minute", 2).Error)

	for i := 0; i < 2; i++ {
		w := f.post(t, "pub-1", validPayload(), nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := f.post(t, "pub-1", validPayload(), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), response.ErrCodeRateLimited)
}

func TestServiceStopIsIdempotent(t *testing.T) {
	f := setupWebhook(t)

	// Stop must terminate the limiter cleanup goroutine and tolerate
	// repeated calls, including the one registered by the fixture.
	f.service.Stop()
	f.service.Stop()

	select {
	case <-f.service.done:
	default:
		t.Fatal("done channel not closed after Stop")
	}
}

func TestTransitionPersistsMetadata(t *testing.T) {
	f := setupWebhook(t)
	db := NewDatabase(f.db)

	signal := &Signal{
		SignalID:   "sig-meta",
		BotID:      f.bot.BotID,
		Status:     StatusReceived,
		SignalTime: time.Now(),
	}
	require.NoError(t, db.CreateSignal(signal))

	signal.Metadata.Calculation = &orders.Calculation{
		Symbol:   "BTCUSDT",
		Quantity: decimal.RequireFromString("0.02"),
	}
	require.NoError(t, db.Transition(signal, StatusReceived, StatusCalculated))
	assert.Equal(t, StatusCalculated, signal.Status)

	got, err := db.GetSignal(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, StatusCalculated, got.Status)
	require.NotNil(t, got.Metadata.Calculation)
	assert.True(t, got.Metadata.Calculation.Quantity.Equal(decimal.RequireFromString("0.02")))

	// A writer that still sees the old status loses the claim.
	stale := &Signal{SignalID: signal.SignalID}
	assert.ErrorIs(t, db.Transition(stale, StatusReceived, StatusCalculated), ErrClaimed)

	// Metadata accumulates: recording a failure keeps the calculation.
	got.Metadata.Error = "balance fetch failed"
	require.NoError(t, db.Transition(got, StatusCalculated, StatusError))

	final, err := db.GetSignal(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, final.Status)
	assert.Equal(t, "balance fetch failed", final.Metadata.Error)
	require.NotNil(t, final.Metadata.Calculation)
}

func TestSourceAllowed(t *testing.T) {
	assert.True(t, sourceAllowed("", "1.2.3.4"))
	assert.True(t, sourceAllowed("1.2.3.4", "1.2.3.4"))
	assert.True(t, sourceAllowed("9.9.9.9, 1.2.3.4", "1.2.3.4"))
	assert.False(t, sourceAllowed("9.9.9.9", "1.2.3.4"))
}
