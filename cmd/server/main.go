package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/tradelink/tradelink-api/internal/auth"
	"github.com/tradelink/tradelink-api/internal/bots"
	"github.com/tradelink/tradelink-api/internal/cache"
	"github.com/tradelink/tradelink-api/internal/config"
	"github.com/tradelink/tradelink-api/internal/database"
	"github.com/tradelink/tradelink-api/internal/exchange"
	"github.com/tradelink/tradelink-api/internal/processor"
	"github.com/tradelink/tradelink-api/internal/signals"
	"github.com/tradelink/tradelink-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures application logging. Development gets pretty console
// output; DEBUG=true raises verbosity.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the webhook execution pipeline: database, cache, exchange
// registry, services, routes and the order processor, then serves until
// interrupted.
func main() {
	cfg := config.Load()

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// The cache is constructed exactly once here and handed to whoever
	// needs it; backend selection (and any fallback) happens at startup.
	cacheService := cache.New(cfg.Cache)
	defer cacheService.Stop()

	// New exchanges are added by implementing exchange.Adapter and
	// registering the factory here.
	registry := exchange.NewRegistry()
	registry.Register("binance", exchange.NewBinance)
	registry.Register("mexc", exchange.NewMexc)

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(cfg.APIKey, cfg.APISecret)
	authHandlers := auth.NewGinHandlers(authService)

	botService := bots.NewService(db, cacheService)
	botHandlers := bots.NewGinHandlers(botService, registry)

	signalService := signals.NewService(db, botService)
	defer signalService.Stop()
	signalHandlers := signals.NewGinHandlers(signalService)

	orderProcessor := processor.NewProcessor(
		signalService.GetDB(),
		botService.GetDB(),
		registry,
		cfg.ProcessorInterval,
		cfg.ProcessorBatchSize,
	)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	go orderProcessor.Start(processorCtx)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg.JWTSecret, authHandlers, botHandlers, signalHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the processor first so no pass is mid-flight while the server
	// drains.
	processorCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures the API surface:
// - Auth routes: public token issuance
// - Webhook route: signal ingestion, authenticated by public id + secret
// - Bot routes: cached configuration reads and updates, behind JWT
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	botHandlers *bots.GinHandlers,
	signalHandlers *signals.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Webhook callers identify themselves by public id and shared
		// secret, never by JWT; alerting platforms cannot hold tokens.
		v1.POST("/webhook/:public_id", signalHandlers.WebhookHandler())

		botsGroup := v1.Group("/bots")
		botsGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			botsGroup.GET("", botHandlers.ListBotsHandler())
			botsGroup.GET("/:bot_id", botHandlers.GetBotHandler())
			botsGroup.PUT("/:bot_id", botHandlers.UpdateBotHandler())
			botsGroup.POST("/:bot_id/validate", botHandlers.ValidateExchangeHandler())
			botsGroup.GET("/:bot_id/signals", signalHandlers.BotSignalsHandler())
		}
	}
}
