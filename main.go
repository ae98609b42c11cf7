package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/friendsync/api/rest"
	"github.com/kasuganosora/friendsync/api/sse"
	apows "github.com/kasuganosora/friendsync/api/ws"
	"github.com/kasuganosora/friendsync/audit"
	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/config"
	dbadapter "github.com/kasuganosora/friendsync/db"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/scheduler"
	"github.com/kasuganosora/friendsync/social/gateway"
	"github.com/kasuganosora/friendsync/social/presence"
	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Social engine ----
	pub := gateway.NewPublisher(pubsub, cfg.Social.PublishAttempts, cfg.Social.PublishBackoff, logger)
	relSvc := relation.NewService(relation.NewStore(db), pub, auditSvc, relation.Options{
		OpTimeout:    cfg.Social.OpTimeout,
		MaxRetries:   cfg.Social.MaxCASRetries,
		MaxReasonLen: cfg.Social.MaxReasonLen,
	}, logger)
	tracker := presence.NewTracker(c, db, relSvc, pub, presence.Options{
		TTL: cfg.Social.PresenceTTL,
	}, logger)
	defer tracker.Close()
	gw := gateway.New(pubsub, relSvc, tracker, cfg.Social.SubscriptionBuffer, logger)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()
	sched.AddTicker("presence_sweep", cfg.Social.PresenceSweep, func(ctx context.Context) error {
		n, err := tracker.Sweep(ctx)
		if n > 0 {
			logger.Debug("presence sweep", zap.Int("expired", n))
		}
		return err
	})
	sched.AddTicker("idempotency_purge", cfg.Social.IdempotencyPurge, func(ctx context.Context) error {
		n, err := relSvc.PurgeIdempotency(ctx, cfg.Social.IdempotencyTTL)
		if n > 0 {
			logger.Debug("idempotency purge", zap.Int64("deleted", n))
		}
		return err
	})

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	auth := mw.Auth(cfg.Security, c)
	userLimit := mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst)

	api := r.Group("/api")
	{
		socialG := api.Group("/social", auth, userLimit)
		apirest.NewSocialHandler(relSvc, tracker, logger).Register(socialG)

		adminG := api.Group("/admin", mw.IPWhitelist(cfg.Security.AdminIPs), mw.AdminKey(cfg.Server.AdminKey))
		apirest.NewAdminHandler(relSvc.Store(), auditSvc, tracker, sched, logger).Register(adminG)
	}

	// ---- WebSocket ----
	sm := apows.NewSessionManager(logger)
	wsH := apows.NewHandler(tracker, gw, sm, cfg.Security, logger)
	r.GET("/ws", auth, wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(gw, cfg.Social.SSEKeepalive, logger)
	r.GET("/sse", auth, sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown.
	sm.CloseAll(5 * time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
}
