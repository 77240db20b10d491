package signals

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tradelink/tradelink-api/internal/bots"
	"github.com/tradelink/tradelink-api/internal/types"
	"github.com/tradelink/tradelink-api/pkg/response"
)

const supportedSchema = "2"

var (
	ErrBotDisabled     = errors.New("bot is disabled")
	ErrWebhookDisabled = errors.New("webhook is disabled for this bot")
	ErrBadSecret       = errors.New("invalid webhook secret")
	ErrSourceBlocked   = errors.New("source address not allowed")
	ErrRateLimited     = errors.New("webhook rate limit exceeded")
)

// Service validates inbound webhook payloads and enqueues them as signal
// records. Everything past "status received" belongs to the processor.
type Service struct {
	db   *Database
	bots *bots.Service

	mu       sync.Mutex
	limiters map[string]*botLimiter

	done     chan struct{}
	stopOnce sync.Once
}

type botLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewService(gormDB *gorm.DB, botService *bots.Service) *Service {
	s := &Service{
		db:       NewDatabase(gormDB),
		bots:     botService,
		limiters: make(map[string]*botLimiter),
		done:     make(chan struct{}),
	}
	go s.cleanupLimiters()
	return s
}

// Stop terminates the limiter cleanup goroutine. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// GetDB exposes the queue operations to the processor.
func (s *Service) GetDB() *Database {
	return s.db
}

// Ingest validates a webhook payload against the bot addressed by publicID
// and persists it as a received signal. The returned record carries no
// internal bot id in its JSON form.
func (s *Service) Ingest(c *gin.Context, publicID string, payload *Payload) (*Signal, error) {
	logger := log.With().Str("component", "webhook").Str("public_id", publicID).Logger()

	bot, err := s.bots.GetBotByPublicID(c.Request.Context(), publicID)
	if err != nil {
		return nil, err
	}

	if !bot.Enabled {
		return nil, ErrBotDisabled
	}
	if !bot.Webhook.Enabled {
		return nil, ErrWebhookDisabled
	}

	secret := c.GetHeader("X-Webhook-Secret")
	if secret == "" {
		secret = payload.Secret
	}
	if bot.Webhook.Secret != "" && secret != bot.Webhook.Secret {
		logger.Warn().Str("ip", c.ClientIP()).Msg("webhook rejected: bad secret")
		return nil, ErrBadSecret
	}

	if !sourceAllowed(bot.Webhook.AllowedIPs, c.ClientIP()) {
		logger.Warn().Str("ip", c.ClientIP()).Msg("webhook rejected: source not allowed")
		return nil, ErrSourceBlocked
	}

	if err := s.validatePayload(bot, payload); err != nil {
		return nil, err
	}

	if !s.allow(bot.BotID, bot.Webhook.MaxOrdersPerMinute) {
		return nil, ErrRateLimited
	}

	signalTime := time.Now()
	if payload.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
			signalTime = parsed
		}
	}

	signal := &Signal{
		SignalID:     uuid.New().String(),
		BotID:        bot.BotID,
		Action:       types.Side(strings.ToLower(payload.Action)),
		Ticker:       payload.Ticker,
		OrderSize:    payload.OrderSize,
		PositionSize: payload.PositionSize,
		SourceIP:     c.ClientIP(),
		SignalTime:   signalTime,
		Status:       StatusReceived,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if err := s.db.CreateSignal(signal); err != nil {
		return nil, err
	}

	logger.Info().
		Str("signal_id", signal.SignalID).
		Str("action", string(signal.Action)).
		Str("ticker", signal.Ticker).
		Msg("signal enqueued")
	return signal, nil
}

func (s *Service) validatePayload(bot *bots.Bot, payload *Payload) error {
	if payload.Schema != "" && payload.Schema != supportedSchema {
		return fmt.Errorf("unsupported schema %q", payload.Schema)
	}
	if side := types.Side(strings.ToLower(payload.Action)); !side.Valid() {
		return fmt.Errorf("unsupported action %q", payload.Action)
	}
	if payload.Ticker != bot.TradingPair {
		return fmt.Errorf("ticker %q does not match bot trading pair %q", payload.Ticker, bot.TradingPair)
	}
	return nil
}

// allow applies the bot's max-orders-per-minute limit.
func (s *Service) allow(botID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}

	s.mu.Lock()
	entry, ok := s.limiters[botID]
	if !ok {
		entry = &botLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		}
		s.limiters[botID] = entry
	}
	entry.lastSeen = time.Now()
	s.mu.Unlock()

	return entry.limiter.Allow()
}

func (s *Service) cleanupLimiters() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			for botID, entry := range s.limiters {
				if time.Since(entry.lastSeen) > 3*time.Minute {
					delete(s.limiters, botID)
				}
			}
			s.mu.Unlock()
		}
	}
}

func sourceAllowed(allowedIPs, ip string) bool {
	allowedIPs = strings.TrimSpace(allowedIPs)
	if allowedIPs == "" {
		return true
	}
	for _, allowed := range strings.Split(allowedIPs, ",") {
		if strings.TrimSpace(allowed) == ip {
			return true
		}
	}
	return false
}

// GinHandlers contains the webhook ingestion and signal trail endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// WebhookHandler handles POST requests from alerting platforms. The URL
// carries the bot's public id; the payload may repeat it but the URL wins.
func (h *GinHandlers) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload Payload
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		publicID := c.Param("public_id")
		if publicID == "" {
			publicID = payload.PublicID
		}

		signal, err := h.service.Ingest(c, publicID, &payload)
		switch {
		case err == nil:
			response.Success(c, gin.H{"signal_id": signal.SignalID, "status": signal.Status})
		case errors.Is(err, gorm.ErrRecordNotFound):
			response.NotFound(c, "Unknown bot")
		case errors.Is(err, ErrBadSecret), errors.Is(err, ErrSourceBlocked):
			response.Unauthorized(c, err.Error())
		case errors.Is(err, ErrBotDisabled), errors.Is(err, ErrWebhookDisabled):
			response.Forbidden(c, err.Error())
		case errors.Is(err, ErrRateLimited):
			response.TooManyRequests(c, err.Error())
		default:
			response.BadRequest(c, err.Error())
		}
	}
}

// BotSignalsHandler handles GET requests for a bot's signal trail.
func (h *GinHandlers) BotSignalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bot, err := h.service.bots.GetBot(c.Request.Context(), c.Param("bot_id"))
		if err != nil || bot.ClientID != c.GetString("clientID") {
			response.NotFound(c, "Bot not found")
			return
		}

		list, err := h.service.db.GetBotSignals(bot.BotID, 100)
		response.Handle(c, list, err)
	}
}
