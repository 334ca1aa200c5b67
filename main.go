package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"messenger-service/internal/auth"
	"messenger-service/internal/config"
	"messenger-service/internal/db"
	"messenger-service/internal/dispatcher"
	"messenger-service/internal/handlers"
	"messenger-service/internal/logger"
	"messenger-service/internal/middleware"
	"messenger-service/internal/notify"
	"messenger-service/internal/observability"
	"messenger-service/internal/rabbitmq"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
	"messenger-service/internal/ws"
)

const serviceName = "messenger-service"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		zl.Fatal("failed to set up tracing", zap.Error(err))
	}

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN, cfg.DBReset, zl)
	if err != nil {
		zl.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, zl)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.log", serviceName, cfg.Environment, zl)
	zl.Info("publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)

	userRepo := repositories.NewUserRepo(database)
	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	reactionRepo := repositories.NewReactionRepo(database)

	general, err := chatRepo.EnsureGroupChat(ctx, cfg.GeneralChatName)
	if err != nil {
		zl.Fatal("failed to ensure general chat", zap.Error(err))
	}

	registry := ws.NewRegistry()
	local := ws.NewLocalFanout(registry)
	var fanout ws.Fanout = local
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		relay := ws.NewRedisRelay(rdb, cfg.RedisChannel, local, zl)
		go func() {
			if err := relay.Run(ctx); err != nil {
				zl.Error("relay stopped", zap.Error(err))
			}
		}()
		fanout = relay
	}

	router := ws.NewRouter(chatRepo, fanout, zl)
	tracker := ws.NewTracker(registry, userRepo, chatRepo, router, zl)
	if rdb != nil {
		tracker.WithSharedCounter(ws.NewRedisPresence(rdb, cfg.InstanceID, zl))
	}
	notifier := notify.NewNotifier(chatRepo, publisher, zl)
	actions := dispatcher.New(chatRepo, messageRepo, reactionRepo, router, notifier,
		dispatcher.Options{MaxMessageLength: cfg.MaxMessageLength}, zl)

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTTTL)
	authHandler := handlers.NewAuthHandler(userRepo, chatRepo, tokens, general.ID, audit, zl)
	chatHandler := handlers.NewChatHandler(chatRepo, messageRepo, reactionRepo, actions, audit)
	wsHandler := ws.NewHandler(registry, tracker, tokens, userRepo, chatRepo, actions, ws.Options{
		SendBuffer:  cfg.WSSendBuffer,
		ActionRate:  cfg.WSActionRate,
		ActionBurst: cfg.WSActionBurst,
	}, zl)

	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(serviceName),
		observability.HTTPMetricsMiddleware(),
		middleware.AccessLog(zl),
	)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/api/health", handlers.Health(database, registry))
	handlers.RegisterDebugRoutes(engine, audit, cfg.DebugRoutes)

	api := engine.Group("/api")
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("", middleware.AuthMiddleware(tokens))
	authed.GET("/auth/me", authHandler.Me)
	authed.GET("/users", authHandler.ListUsers)
	authed.PUT("/users/profile", authHandler.UpdateProfile)
	authed.GET("/chats", chatHandler.ListChats)
	authed.POST("/chats/private", chatHandler.StartPrivateChat)
	authed.POST("/chats/group", chatHandler.CreateGroup)
	authed.GET("/chats/:chat_id/messages", chatHandler.GetChatMessages)
	authed.POST("/chats/:chat_id/read", chatHandler.MarkRead)
	authed.PUT("/messages/:message_id", chatHandler.EditMessage)
	authed.DELETE("/messages/:message_id", chatHandler.DeleteMessage)
	authed.POST("/messages/:message_id/reactions", chatHandler.ToggleReaction)

	engine.GET("/ws", wsHandler.Handle)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zl.Info("listening", zap.String("addr", srv.Addr), zap.Int("general_chat_id", general.ID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	if err := tracker.Release(shutdownCtx); err != nil {
		zl.Warn("presence release", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zl.Warn("tracing shutdown", zap.Error(err))
	}
}
