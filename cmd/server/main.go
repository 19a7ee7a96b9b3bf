// Package main runs the classroom poll HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-classroom/backend/config"
	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/chat"
	"github.com/aura-classroom/backend/internal/events"
	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/polls"
	"github.com/aura-classroom/backend/internal/presence"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/scheduler"
	"github.com/aura-classroom/backend/internal/storage"
	"github.com/aura-classroom/backend/internal/storage/postgres"
	"github.com/aura-classroom/backend/internal/storage/sqlite"
	"github.com/aura-classroom/backend/internal/votes"
	"github.com/aura-classroom/backend/pkg/database"
	"github.com/aura-classroom/backend/pkg/redis"
	"github.com/aura-classroom/backend/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger := newLogger(cfg.Log)
	defer logger.Sync()

	ctx := context.Background()
	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer store.Close()

	var relay realtime.Relay
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		relay = realtime.NewRedisRelay(rdb.Client, logger)
	}

	clk := clock.New()
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	hub := realtime.NewHub(logger, relay)
	registry := presence.NewRegistry(hub, logger)
	sched := scheduler.New(clk, logger)

	ledger := votes.NewLedger(store, hub, clk, logger)
	orch := polls.NewOrchestrator(store, ledger, hub, sched, clk, logger)
	chatSvc := chat.NewService(store, hub, clk, cfg.Chat.HistoryLimit, logger)
	dispatcher := events.NewDispatcher(hub, registry, orch, ledger, chatSvc,
		events.Options{CloseOnTeacherDisconnect: cfg.Realtime.CloseOnTeacherDisconnect}, logger)

	closed, rearmed, err := orch.Recover(ctx)
	if err != nil {
		logger.Fatal("recover poll deadlines", zap.Error(err))
	}
	logger.Info("recovery sweep done", zap.Int("closed", closed), zap.Int("rearmed", rearmed))

	authHandler := auth.NewHandler(auth.NewRepository(store, jwtService, logger), logger)
	pollHandler := polls.NewHandler(orch)
	voteHandler := votes.NewHandler(ledger)
	chatHandler := chat.NewHandler(chatSvc)
	presenceHandler := events.NewHandler(dispatcher, orch)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	router.POST("/auth/session", authHandler.CreateSession)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/auth/me", auth.Me(middleware.GetIdentity))

		// Polls
		api.POST("/polls", middleware.RequireRole(models.RoleTeacher), pollHandler.Create)
		api.GET("/polls/:id", pollHandler.Get)
		api.POST("/polls/:id/start", middleware.RequireRole(models.RoleTeacher), pollHandler.Start)
		api.POST("/polls/:id/end", middleware.RequireRole(models.RoleTeacher), pollHandler.End)
		api.GET("/teachers/:id/active-poll", pollHandler.ActivePoll)
		api.POST("/teachers/:id/close-all", middleware.RequireRole(models.RoleTeacher), pollHandler.CloseAll)

		// Votes and results
		api.GET("/polls/:id/results", voteHandler.Results)
		api.POST("/polls/:id/votes", middleware.RequireRole(models.RoleStudent), voteHandler.Submit)
		api.GET("/polls/:id/votes/me", middleware.RequireRole(models.RoleStudent), voteHandler.Mine)

		// Chat
		api.POST("/polls/:id/messages", chatHandler.Send)
		api.GET("/polls/:id/messages", chatHandler.History)

		// Presence
		api.GET("/polls/:id/participants", middleware.RequireRole(models.RoleTeacher), presenceHandler.Roster)
		api.POST("/polls/:id/participants/:studentId/kick", middleware.RequireRole(models.RoleTeacher), presenceHandler.Kick)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, dispatcher, jwtService.ValidateIdentity, cfg.Realtime.SendBuffer, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// no deadline fires once shutdown starts; ACTIVE polls are re-armed by the next Recover
	orch.Shutdown()
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (storage.Gateway, error) {
	if cfg.Driver == "sqlite" {
		db, err := database.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		store, err := sqlite.New(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DSN(), logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return postgres.New(pool), nil
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return buildLogger(zcfg)
}

// buildLogger falls back to zap's example logger when zcfg cannot be built.
func buildLogger(zcfg zap.Config) *zap.Logger {
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewExample()
		logger.Warn("logger config rejected, using fallback", zap.Error(err))
	}
	return logger
}
