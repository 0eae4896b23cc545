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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/meshchat/config"
	"github.com/mossy-p/meshchat/internal/chat"
	"github.com/mossy-p/meshchat/internal/handlers"
	"github.com/mossy-p/meshchat/internal/loggers"
	"github.com/mossy-p/meshchat/internal/metrics"
	"github.com/mossy-p/meshchat/internal/middleware"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/presence"
	"github.com/mossy-p/meshchat/internal/redis"
	"github.com/mossy-p/meshchat/internal/rtc"
	"github.com/mossy-p/meshchat/internal/signaling"
	"github.com/mossy-p/meshchat/internal/store"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := loggers.NewZap(cfg.LogLevel)
	if err != nil {
		log.Panic(err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("meshchat stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	transports, err := rtc.NewFactory(cfg.ICE)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	m := metrics.New()
	self := models.Participant{
		ID:          cfg.Chat.ParticipantID,
		DisplayName: cfg.Chat.DisplayName,
		JoinedAt:    time.Now().UTC(),
	}
	session := chat.NewSession(
		self,
		presence.NewRegistry(docs, cfg.Store.PresenceCollection, cfg.Store.PresenceTTL, logger),
		signaling.NewRelay(docs, cfg.Store.SignalCollection, m, logger),
		transports,
		cfg.Chat,
		m,
		logger,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, session, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting meshchat node",
			zap.String("port", cfg.Port),
			zap.String("participant", self.ID),
			zap.String("name", self.DisplayName),
			zap.String("store", cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-process store, only this node will see presence and signals")
		return store.NewMemory(), func() {}, nil
	case "redis":
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("redis connection established",
			zap.String("host", cfg.Redis.Host), zap.String("port", cfg.Redis.Port))
		return store.NewRedis(client, cfg.Store.KeyPrefix, logger), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Store.Backend)
	}
}

func newRouter(cfg *config.Config, session *chat.Session, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Observe(m, logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Reg, promhttp.HandlerOpts{})))

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret, logger))

		// Room view and transcript (public)
		apiGroup.GET("/room", handlers.GetRoom(session))
		apiGroup.GET("/messages", handlers.GetMessages(session))

		// Broadcast a message (requires JWT)
		apiGroup.POST("/messages", middleware.JWTAuth(cfg.JWTSecret), handlers.SendMessage(session, logger))
	}

	// Live transcript stream for the UI (requires JWT, accepts sends)
	router.GET("/ws/chat", middleware.WebSocketAuth(cfg.JWTSecret), handlers.HandleChat(session, cfg.AllowedOrigins, logger))

	return router
}
