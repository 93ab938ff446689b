package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Shadowskybtw/loyalty-backend/internal/authz"
	"github.com/Shadowskybtw/loyalty-backend/internal/config"
	"github.com/Shadowskybtw/loyalty-backend/internal/handlers"
	"github.com/Shadowskybtw/loyalty-backend/internal/loyalty"
	"github.com/Shadowskybtw/loyalty-backend/internal/metrics"
	"github.com/Shadowskybtw/loyalty-backend/internal/notify"
	"github.com/Shadowskybtw/loyalty-backend/internal/store"
	"github.com/Shadowskybtw/loyalty-backend/internal/throttle"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("LOYALTY_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	// init DB
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to init db", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close(db)

	rec, err := metrics.New()
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.NewLog(logger)
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.Notify.TelegramToken)
		if err != nil {
			logger.Error("failed to create telegram notifier", "error", err)
			os.Exit(1)
		}
		notifier = tg
	}

	var limiter throttle.Limiter = throttle.NewMemory(cfg.Scan.Cooldown)
	if cfg.Redis.Addr != "" {
		rl := throttle.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Scan.Cooldown)
		defer rl.Close()
		limiter = rl
	}

	svc := loyalty.New(db, loyalty.Options{
		Admins:          authz.NewStore(db, cfg.Admins.Bootstrap),
		Notifier:        notifier,
		Limiter:         limiter,
		Metrics:         rec,
		Logger:          logger,
		RequireApproval: cfg.Rewards.RequireApproval,
		RecentEvents:    cfg.State.RecentEvents,
		MaxRetries:      cfg.Database.MaxRetries,
	})

	r := gin.Default()

	// health
	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, svc, cfg.Auth.JWTSecret)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("listening", "addr", addr, "driver", cfg.Database.Driver, "require_approval", cfg.Rewards.RequireApproval)
	if err := r.Run(addr); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
