package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"tradingengine/config"
	"tradingengine/copytrading"
	"tradingengine/eventbus"
	"tradingengine/gamma"
	"tradingengine/handlers"
	"tradingengine/marketcache"
	"tradingengine/middleware"
	"tradingengine/ratelimit"
	"tradingengine/storage"
	"tradingengine/strategy"
	"tradingengine/venue"
	"tradingengine/wsfeed"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("POLY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.New(cfg.Data.DBPath)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.NewBus()

	limits := ratelimit.NewRegistry()
	limits.Start()
	defer limits.Stop()

	client := venue.NewClient(cfg.Venue.ClobURL, cfg.Venue.DataURL, cfg.Venue.GammaURL, cfg.Venue.SearchURL,
		limits, store.GetCredentials)

	cache := marketcache.New()
	cache.StartSweeper(ctx)
	fetcher := gamma.NewFetcher(client, cache)

	feed := wsfeed.New(cfg.Venue.WSURL, bus)
	feed.Start(ctx)
	defer feed.Stop()

	watcher := copytrading.NewWatcher(store, client, bus, cfg.CopyTrading.ActivityFetchLimit)
	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	executor := copytrading.NewExecutor(store, client, fetcher, bus)
	executor.Start(ctx)
	defer executor.Stop()

	engine := strategy.NewEngine(strategy.Deps{
		Store:                store,
		Feed:                 feed,
		Markets:              fetcher,
		Client:               client,
		Bus:                  bus,
		TickInterval:         time.Duration(cfg.Strategy.TickIntervalSec) * time.Second,
		DiscoveryInterval:    time.Duration(cfg.Strategy.DiscoveryIntervalSec) * time.Second,
		BroadcastMinInterval: time.Duration(cfg.Strategy.BroadcastMinIntervalMS) * time.Millisecond,
	})
	engine.AutoStart(ctx)
	defer engine.StopAll()

	// Set up router
	r := gin.Default()
	h := handlers.NewHandler(store, watcher, executor, engine, bus)

	r.GET("/api/events/stream", h.StreamEvents)

	r.GET("/api/tracked-users", h.ListTrackedUsers)
	r.POST("/api/tracked-users", h.TrackUser)
	r.POST("/api/tracked-users/:address/archive", middleware.ValidateAddress(), h.UntrackUser)
	r.POST("/api/tracked-users/:address/restore", middleware.ValidateAddress(), h.RestoreUser)
	r.DELETE("/api/tracked-users/:address", middleware.ValidateAddress(), h.DeleteUser)

	r.GET("/api/copy-trading/settings", h.GetCopySettings)
	r.PUT("/api/copy-trading/settings", h.UpdateCopySettings)
	r.GET("/api/copy-trading/trades", h.ListCopyTrades)
	r.POST("/api/copy-trading/trades/:id/retry", h.RetryCopyTrade)
	r.POST("/api/copy-trading/execute", h.ManualCopyTrade)

	creds := r.Group("/api/credentials", middleware.BasicAuth())
	creds.GET("", h.GetCredentials)
	creds.PUT("", h.UpdateCredentials)

	r.GET("/api/strategies", h.ListStrategies)
	r.POST("/api/strategies", h.CreateStrategy)
	r.POST("/api/strategies/:id/start", h.StartStrategy)
	r.POST("/api/strategies/:id/stop", h.StopStrategy)
	r.POST("/api/strategies/:id/pause", h.PauseStrategy)
	r.POST("/api/strategies/:id/resume", h.ResumeStrategy)
	r.GET("/api/strategies/:id/events", h.GetStrategyEvents)
	r.GET("/api/strategies/:id/positions", h.GetStrategyPositions)
	r.GET("/api/strategies/:id/trades", h.GetStrategyTrades)

	// PORT env override is already applied by config.Load.
	port := strconv.Itoa(cfg.Server.Port)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[main] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] server shutdown: %v", err)
	}
}
