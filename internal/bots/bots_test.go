package bots

import (
	"context"
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

	"github.com/tradelink/tradelink-api/internal/cache"
	"github.com/tradelink/tradelink-api/internal/exchange"
	"github.com/tradelink/tradelink-api/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Bot{}))

	store := cache.New(cache.Config{Provider: cache.ProviderMemory, DefaultTTL: 300})
	t.Cleanup(store.Stop)

	return NewService(db, store), db
}

func newBot(t *testing.T, s *Service) *Bot {
	t.Helper()
	bot := &Bot{
		ClientID:    "client-1",
		Name:        "grid bot",
		Enabled:     true,
		TradingPair: "ETHUSDT",
		Exchange: ExchangeBinding{
			Name:      "binance",
			APIKey:    "api-key",
			SecretKey: "api-secret",
		},
		Webhook: WebhookConfig{
			Enabled: true,
			Secret:  "wh-secret",
		},
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	return bot
}

func TestCreateBotMintsIdentifiers(t *testing.T) {
	s, _ := setupService(t)
	bot := newBot(t, s)

	assert.NotEmpty(t, bot.BotID)
	assert.NotEmpty(t, bot.PublicID)
	assert.NotEqual(t, bot.BotID, bot.PublicID)
}

func TestGetBotReadsThroughCache(t *testing.T) {
	s, db := setupService(t)
	bot := newBot(t, s)
	ctx := context.Background()

	first, err := s.GetBot(ctx, bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, "grid bot", first.Name)

	// Mutate the row behind the cache. A read-through hit must return the
	// cached configuration, not this value.
	require.NoError(t, db.Model(&Bot{}).
		Where("bot_id = ?", bot.BotID).
		Update("name", "renamed directly").Error)

	cached, err := s.GetBot(ctx, bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, "grid bot", cached.Name)
}

func TestCachedBotRetainsCredentials(t *testing.T) {
	s, _ := setupService(t)
	bot := newBot(t, s)
	ctx := context.Background()

	// First read populates the cache, second read is served from it.
	_, err := s.GetBotByPublicID(ctx, bot.PublicID)
	require.NoError(t, err)

	cached, err := s.GetBotByPublicID(ctx, bot.PublicID)
	require.NoError(t, err)
	assert.Equal(t, "api-key", cached.Exchange.APIKey)
	assert.Equal(t, "api-secret", cached.Exchange.SecretKey)
	assert.Equal(t, "wh-secret", cached.Webhook.Secret)
}

func TestCredentialsAbsentFromAPIForm(t *testing.T) {
	s, _ := setupService(t)
	bot := newBot(t, s)

	raw, err := json.Marshal(bot)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "api-secret")
	assert.NotContains(t, string(raw), "wh-secret")
}

func TestUpdateBotInvalidatesCache(t *testing.T) {
	s, _ := setupService(t)
	bot := newBot(t, s)
	ctx := context.Background()

	_, err := s.GetBot(ctx, bot.BotID)
	require.NoError(t, err)

	bot.Name = "renamed via service"
	require.NoError(t, s.UpdateBot(ctx, bot))

	fresh, err := s.GetBot(ctx, bot.BotID)
	require.NoError(t, err)
	assert.Equal(t, "renamed via service", fresh.Name)
}

func TestGetClientBotsRoundTripsThroughCache(t *testing.T) {
	s, _ := setupService(t)
	newBot(t, s)
	second := newBot(t, s)
	second.Name = "second bot"
	require.NoError(t, s.UpdateBot(context.Background(), second))

	ctx := context.Background()
	first, err := s.GetClientBots(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, first, 2)

	cached, err := s.GetClientBots(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, cached, 2)
	for _, bot := range cached {
		assert.Equal(t, "api-key", bot.Exchange.APIKey)
	}
}

// stubAdapter satisfies exchange.Adapter with canned responses for the
// credential-check endpoint.
type stubAdapter struct {
	check types.CredentialCheck
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) ServerTime(context.Context) (int64, error) { return 0, nil }

func (s *stubAdapter) Balances(context.Context) ([]types.Balance, error) { return nil, nil }
func (s *stubAdapter) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *stubAdapter) SymbolFilters(context.Context, string) (*types.SymbolFilters, error) {
	return nil, nil
}

func (s *stubAdapter) ValidateCredentials(context.Context) types.CredentialCheck { return s.check }

func (s *stubAdapter) ExecuteTrade(context.Context, types.TradeRequest) types.TradeResult {
	return types.TradeResult{}
}

func TestValidateExchangeHandler(t *testing.T) {
	s, _ := setupService(t)
	bot := newBot(t, s)

	stub := &stubAdapter{check: types.CredentialCheck{IsValid: true}}
	registry := exchange.NewRegistry()
	registry.Register("binance", func(types.Credentials, bool) exchange.Adapter { return stub })

	handlers := NewGinHandlers(s, registry)
	router := gin.New()
	router.POST("/api/v1/bots/:bot_id/validate", func(c *gin.Context) {
		c.Set("clientID", "client-1")
		handlers.ValidateExchangeHandler()(c)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bots/"+bot.BotID+"/validate", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Success bool                  `json:"success"`
		Data    types.CredentialCheck `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.IsValid)

	// Another client must not be able to exercise this bot's credentials.
	otherRouter := gin.New()
	otherRouter.POST("/api/v1/bots/:bot_id/validate", func(c *gin.Context) {
		c.Set("clientID", "client-2")
		handlers.ValidateExchangeHandler()(c)
	})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/bots/"+bot.BotID+"/validate", nil)
	otherRouter.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordTradeUpdatesStatistics(t *testing.T) {
	s, _ := setupService(t)
	bot := newBot(t, s)

	require.NoError(t, s.db.RecordTrade(bot.BotID, true, time.Now()))
	require.NoError(t, s.db.RecordTrade(bot.BotID, true, time.Now()))
	require.NoError(t, s.db.RecordTrade(bot.BotID, false, time.Now()))

	got, err := s.db.GetBot(bot.BotID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Statistics.TotalTrades)
	assert.EqualValues(t, 2, got.Statistics.SuccessfulTrades)
	assert.EqualValues(t, 1, got.Statistics.FailedTrades)
	assert.InDelta(t, 66.67, got.Statistics.WinRate, 0.01)
	assert.NotNil(t, got.Statistics.LastTradeAt)
}
