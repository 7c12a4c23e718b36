package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/calls"
	"chat-realtime/internal/config"
	"chat-realtime/internal/conversations"
	"chat-realtime/internal/db"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/media"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/ws"
)

const auditRoutingKey = "audit_logs.chat"

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	logger, err := observability.NewLogger(cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	sqlDB, err := db.Connect(cfg.Postgres.DSN, logger)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	mongoClient, mongoDB, err := db.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = mongoClient.Disconnect(context.Background())
	}()

	messageRepo := repositories.NewMessageRepo(mongoDB)
	conversationRepo := repositories.NewConversationRepo(mongoDB)
	if err := messageRepo.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := conversationRepo.EnsureIndexes(ctx); err != nil {
		return err
	}
	userRepo := repositories.NewUserRepo(sqlDB)

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	events := observability.NewEvents(publisher, logger)
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.Tracing.ServiceName, cfg.Server.Environment, logger)

	registry := presence.NewRegistry()
	hub := ws.NewHub(registry, logger)
	registry.AddListener(hub)

	var mirror *presence.RedisMirror
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, presence mirror writes will be retried per change", zap.Error(err))
		}
		mirror = presence.NewRedisMirror(redisClient, cfg.Redis.Prefix, cfg.Redis.PresenceTTL, logger)
		registry.AddListener(mirror)
	}

	signaling := calls.NewSignaling(hub, registry, logger,
		calls.WithRingTimeout(cfg.Calls.RingTimeout),
		calls.WithEvents(events),
	)
	defer signaling.Close()

	convs := conversations.NewService(messageRepo, conversationRepo, userRepo, hub, audit, logger, cfg.Conversations.MaxParallel)

	relay, err := media.NewRelay(ctx, cfg.Media, logger)
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	dispatcher := ws.NewDispatcher(hub, registry, signaling, convs, logger, cfg.WS.EventTimeout)
	wsHandler := ws.NewHandler(hub, dispatcher, verifier, events, logger, ws.Options{
		SendBuffer:     cfg.WS.SendBuffer,
		PingInterval:   cfg.WS.PingInterval,
		WriteDeadline:  cfg.WS.WriteDeadline,
		MaxMessageSize: cfg.WS.MaxMessageSize,
	})

	var snapshots handlers.PresenceSnapshots
	if mirror != nil {
		snapshots = mirror
	}
	chatHandler := handlers.NewChatHandler(convs, relay, registry, snapshots, cfg.Media.MaxBytes, logger)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online_users": registry.Count(), "active_calls": signaling.Active()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.Handle)

	api := router.Group("/api", middleware.AuthMiddleware(verifier))
	chatHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("starting realtime service", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	hub.CloseAll("shutdown")
	return srv.Shutdown(shutdownCtx)
}
