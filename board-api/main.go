package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Hiviexd/kanban-board/api"
	"github.com/Hiviexd/kanban-board/config"
	"github.com/Hiviexd/kanban-board/domain"
	"github.com/Hiviexd/kanban-board/realtime"
	"github.com/Hiviexd/kanban-board/storage"
	"github.com/Hiviexd/kanban-board/subscription"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	var store domain.Store
	switch cfg.StoreBackend {
	case config.BackendTables:
		tables, err := storage.NewTables(cfg.StorageConn, cfg.BoardsTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = tables
	default:
		log.Warn("using in-memory store; boards are lost on restart")
		store = storage.NewMemory()
	}

	var rc *redis.Client
	var deduper api.Deduper
	if cfg.RedisConn != "" {
		opts, err := config.RedisOptions(cfg.RedisConn)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
		if cfg.BoardCacheTTL > 0 {
			store = storage.NewCache(store, rc, cfg.BoardCacheTTL)
		}
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	hub := realtime.NewHub(logger, prometheus.DefaultRegisterer)
	presence := realtime.NewPresence(hub, logger)

	// With a relay channel every event reaches the hub through Redis, so the
	// hub must not also be a direct sink. Remote sinks sit behind outboxes to
	// keep Redis and queue latency off the mutation's reply.
	var sinks []domain.Sink
	var outboxes []*subscription.Outbox
	if cfg.EventsChannel != "" {
		relay := subscription.NewOutbox(subscription.NewPublisher(rc, cfg.EventsChannel), subscription.OutboxConfig{
			BufferSize:  cfg.OutboxBuffer,
			SendTimeout: 2 * time.Second,
			MaxAttempts: 3,
		}, logger)
		outboxes = append(outboxes, relay)
		sinks = append(sinks, relay)
		go subscription.SubscribeUpdates(ctx, logger, rc, cfg.EventsChannel, hub)
	} else {
		sinks = append(sinks, hub)
	}
	if cfg.EventsQueue != "" {
		queue, err := subscription.NewQueueSink(cfg.StorageConn, cfg.EventsQueue, cfg.EventsTTL)
		if err != nil {
			log.Fatalf("queue: %v", err)
		}
		outbox := subscription.NewOutbox(queue, subscription.OutboxConfig{BufferSize: cfg.OutboxBuffer}, logger)
		outboxes = append(outboxes, outbox)
		sinks = append(sinks, outbox)
	}

	svc := domain.NewService(store, domain.NewEmitter(logger, sinks...),
		domain.WithLogger(logger),
		domain.WithTracerProvider(tp),
	)

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem: "board_api",
		Skipper: func(c echo.Context) bool {
			// Streams would only ever record their full lifetime.
			p := c.Path()
			return p == "/metrics" || p == "/api/socket" || p == "/api/sse"
		},
	}))
	e.Use(api.TraceMiddleware(tp))
	e.Use(api.GzipRequestMiddleware())
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, svc, auth, deduper, logger)
	realtime.NewServer(hub, presence, auth, svc, realtime.Config{
		MailboxSize:  cfg.MailboxSize,
		PingInterval: cfg.PingInterval,
		SSEKeepAlive: cfg.SSEKeepAlive,
	}, logger).Register(e)

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("board-api listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	for _, outbox := range outboxes {
		if err := outbox.Close(shutdownCtx); err != nil {
			log.WithError(err).WithField("stats", outbox.Stats()).Warn("event outbox not drained")
		}
	}
	log.Info("board-api stopped")
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	if cfg.AuthSecret != "" {
		log.Warn("verifying tokens with a shared HS256 secret")
		return api.NewAuth(nil, api.AuthConfig{
			Audience:    cfg.Auth0Audience,
			HS256Secret: cfg.AuthSecret,
		}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, api.AuthConfig{
		Audience:    cfg.Auth0Audience,
		Issuer:      "https://" + cfg.Auth0Domain + "/",
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}), nil
}
