// Package server exposes the document-chat pipeline over HTTP.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/docchat/config"
	"github.com/mohammad-safakhou/docchat/internal/chat"
	"github.com/mohammad-safakhou/docchat/internal/chunker"
	"github.com/mohammad-safakhou/docchat/internal/convcache"
	"github.com/mohammad-safakhou/docchat/internal/prompt"
	"github.com/mohammad-safakhou/docchat/internal/retrieval"
	"github.com/mohammad-safakhou/docchat/internal/store"
	"github.com/mohammad-safakhou/docchat/internal/telemetry"
	"github.com/mohammad-safakhou/docchat/provider"
)

// Run wires every dependency and serves until the listener fails.
func Run(cfg *config.Config) error {
	e := newEcho()

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("[HTTP] migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return err
	}

	var tele *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tele = telemetry.NewTelemetry(prometheus.DefaultRegisterer)
	}

	retr := retrieval.NewRetriever(llm, st, cfg.Retrieval.SimilarityFloor, nil, tele)

	cacheOpts := convcache.Options{
		MaxMessagesPerChat: cfg.Chat.MaxMessagesPerChat,
		MaxSessions:        cfg.Chat.MaxSessions,
		IdleTTL:            cfg.Chat.IdleTTL,
		SweepInterval:      cfg.Chat.SweepInterval,
	}
	var cache convcache.Cache
	switch cfg.Chat.CacheBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		cache = convcache.NewRedisCache(client, st, cacheOpts, nil, tele)
	default:
		cache = convcache.NewMemoryCache(st, cacheOpts, nil, tele)
	}
	cache.Start()
	defer cache.Stop()

	assembler := prompt.NewAssembler(cfg.Retrieval.MaxPassages, cfg.Chat.HistoryTurns, cfg.Chat.HistoryTurnMaxChars)
	svc := chat.NewService(llm, llm, retr, cache, st, assembler, chat.Options{
		TopK:            cfg.Retrieval.TopK,
		MaxContextChars: cfg.Retrieval.MaxContextChars,
		MaxMessageChars: cfg.Chat.MaxMessageChars,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		ChunkOpts: chunker.Options{
			TargetSize: cfg.Chunking.TargetSize,
			Overlap:    cfg.Chunking.Overlap,
			MinSize:    cfg.Chunking.MinSize,
			MaxSize:    cfg.Chunking.MaxSize,
		},
	}, nil, tele)

	h := &ChatsHandler{Service: svc}
	h.Register(e.Group("/api"))

	return e.Start(cfg.Server.Address)
}

// newEcho builds the echo instance with recovery, CORS and a unified JSON
// error handler.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
