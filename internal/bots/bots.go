package bots

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tradelink/tradelink-api/internal/cache"
	"github.com/tradelink/tradelink-api/internal/exchange"
	"github.com/tradelink/tradelink-api/internal/types"
	"github.com/tradelink/tradelink-api/pkg/response"
)

// cacheNamespace groups every bot-configuration cache entry so a single
// Clear invalidates the lot after a config change.
const cacheNamespace = "bots"

// Service serves the hot bot-configuration read path through the cache and
// owns invalidation when configuration changes. Statistics writes bypass
// the cache entirely.
type Service struct {
	db    *Database
	cache cache.Service
}

func NewService(gormDB *gorm.DB, c cache.Service) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		cache: c,
	}
}

// GetDB exposes the raw database layer for the processor, which must not
// read through the cache (it needs fresh statistics to fold updates into).
func (s *Service) GetDB() *Database {
	return s.db
}

// CreateBot registers a new bot, minting both its internal and public ids.
func (s *Service) CreateBot(ctx context.Context, bot *Bot) error {
	bot.BotID = uuid.New().String()
	bot.PublicID = uuid.New().String()
	bot.CreatedAt = time.Now()
	bot.UpdatedAt = time.Now()

	if err := s.db.CreateBot(bot); err != nil {
		return err
	}
	return s.cache.Clear(ctx, cacheNamespace)
}

// GetBot returns one bot, preferring the cache.
func (s *Service) GetBot(ctx context.Context, botID string) (*Bot, error) {
	return s.cachedBot(ctx, "bots:id:"+botID, func() (*Bot, error) {
		return s.db.GetBot(botID)
	})
}

// GetBotByPublicID resolves a webhook caller's public id, preferring the
// cache. The internal id never travels back to the caller.
func (s *Service) GetBotByPublicID(ctx context.Context, publicID string) (*Bot, error) {
	return s.cachedBot(ctx, "bots:public:"+publicID, func() (*Bot, error) {
		return s.db.GetBotByPublicID(publicID)
	})
}

// GetClientBots lists a client's bots, preferring the cache.
func (s *Service) GetClientBots(ctx context.Context, clientID string) ([]Bot, error) {
	key := "bots:client:" + clientID
	if raw, ok := s.cache.Get(ctx, key); ok {
		var entries []botCacheEntry
		if err := json.Unmarshal(raw, &entries); err == nil {
			list := make([]Bot, 0, len(entries))
			for i := range entries {
				list = append(list, entries[i].restore())
			}
			return list, nil
		}
	}

	list, err := s.db.GetClientBots(clientID)
	if err != nil {
		return nil, err
	}

	entries := make([]botCacheEntry, 0, len(list))
	for i := range list {
		entries = append(entries, newBotCacheEntry(&list[i]))
	}
	if raw, err := json.Marshal(entries); err == nil {
		s.cacheStore(ctx, key, raw)
	}
	return list, nil
}

// UpdateBot persists a configuration change and invalidates every cached
// bot entry.
func (s *Service) UpdateBot(ctx context.Context, bot *Bot) error {
	if err := s.db.UpdateBot(bot); err != nil {
		return err
	}
	return s.cache.Clear(ctx, cacheNamespace)
}

// botCacheEntry is the cache representation of a bot. The API-facing JSON
// form strips credentials, but the cache must round-trip them intact or a
// cache hit would hand back a bot that cannot authenticate anything.
type botCacheEntry struct {
	Bot
	ExchangeAPIKey    string `json:"exchange_api_key"`
	ExchangeSecretKey string `json:"exchange_secret_key"`
	WebhookSecret     string `json:"webhook_secret"`
}

func newBotCacheEntry(bot *Bot) botCacheEntry {
	return botCacheEntry{
		Bot:               *bot,
		ExchangeAPIKey:    bot.Exchange.APIKey,
		ExchangeSecretKey: bot.Exchange.SecretKey,
		WebhookSecret:     bot.Webhook.Secret,
	}
}

func (e *botCacheEntry) restore() Bot {
	bot := e.Bot
	bot.Exchange.APIKey = e.ExchangeAPIKey
	bot.Exchange.SecretKey = e.ExchangeSecretKey
	bot.Webhook.Secret = e.WebhookSecret
	return bot
}

func encodeBot(bot *Bot) ([]byte, error) {
	return json.Marshal(newBotCacheEntry(bot))
}

func decodeBot(raw []byte) (*Bot, error) {
	var entry botCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	bot := entry.restore()
	return &bot, nil
}

func (s *Service) cachedBot(ctx context.Context, key string, load func() (*Bot, error)) (*Bot, error) {
	if raw, ok := s.cache.Get(ctx, key); ok {
		if bot, err := decodeBot(raw); err == nil {
			return bot, nil
		}
	}

	bot, err := load()
	if err != nil {
		return nil, err
	}

	if raw, err := encodeBot(bot); err == nil {
		s.cacheStore(ctx, key, raw)
	}
	return bot, nil
}

func (s *Service) cacheStore(ctx context.Context, key string, raw []byte) {
	if err := s.cache.Set(ctx, key, raw, cache.Options{Namespace: cacheNamespace}); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to cache bot configuration")
	}
}

// GinHandlers contains HTTP handlers for the bot read/update endpoints.
type GinHandlers struct {
	service  *Service
	registry *exchange.Registry
}

func NewGinHandlers(service *Service, registry *exchange.Registry) *GinHandlers {
	return &GinHandlers{service: service, registry: registry}
}

// ListBotsHandler handles GET requests for the authenticated client's bots.
func (h *GinHandlers) ListBotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			response.Unauthorized(c, "Missing client identity")
			return
		}

		list, err := h.service.GetClientBots(c.Request.Context(), clientID)
		response.Handle(c, list, err)
	}
}

// GetBotHandler handles GET requests for a single bot by internal id.
func (h *GinHandlers) GetBotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bot, err := h.service.GetBot(c.Request.Context(), c.Param("bot_id"))
		if err == nil && bot.ClientID != c.GetString("clientID") {
			response.NotFound(c, "Bot not found")
			return
		}
		response.Handle(c, bot, err)
	}
}

// UpdateBotHandler handles PUT requests that change a bot's configuration.
// Any accepted change invalidates the cached configuration namespace.
func (h *GinHandlers) UpdateBotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bot, err := h.service.GetBot(c.Request.Context(), c.Param("bot_id"))
		if err != nil || bot.ClientID != c.GetString("clientID") {
			response.NotFound(c, "Bot not found")
			return
		}

		var update struct {
			Name        *string        `json:"name"`
			Enabled     *bool          `json:"enabled"`
			TradingPair *string        `json:"trading_pair"`
			Webhook     *WebhookConfig `json:"webhook"`
			Settings    *Settings      `json:"settings"`
		}
		if err := c.ShouldBindJSON(&update); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if update.Name != nil {
			bot.Name = *update.Name
		}
		if update.Enabled != nil {
			bot.Enabled = *update.Enabled
		}
		if update.TradingPair != nil {
			bot.TradingPair = *update.TradingPair
		}
		if update.Webhook != nil {
			bot.Webhook = *update.Webhook
		}
		if update.Settings != nil {
			bot.Settings = *update.Settings
		}

		if err := h.service.UpdateBot(c.Request.Context(), bot); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, bot)
	}
}

// ValidateExchangeHandler tests the bot's exchange credentials. A key that
// only carries read permission is reported as invalid, since the processor
// would be unable to place orders with it.
func (h *GinHandlers) ValidateExchangeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bot, err := h.service.GetBot(c.Request.Context(), c.Param("bot_id"))
		if err != nil || bot.ClientID != c.GetString("clientID") {
			response.NotFound(c, "Bot not found")
			return
		}

		adapter, err := h.registry.New(bot.Exchange.Name, types.Credentials{
			APIKey:    bot.Exchange.APIKey,
			SecretKey: bot.Exchange.SecretKey,
		}, bot.Exchange.Testnet)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		check := adapter.ValidateCredentials(c.Request.Context())
		response.Success(c, check)
	}
}
