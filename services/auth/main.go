// Сервис авторизации: вход через Telegram Mini App (initData), серверные сессии,
// перенос сессии на второе устройство по одноразовому токену.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/repetitor/internal/config"
	"github.com/repetitor/internal/handler"
	"github.com/repetitor/internal/logger"
	"github.com/repetitor/internal/middleware"
	"github.com/repetitor/internal/ratelimit"
	"github.com/repetitor/internal/repository"
	"github.com/repetitor/internal/service"
	"github.com/repetitor/internal/startup"
	"github.com/repetitor/migrations"
)

func main() {
	logger.SetPrefix("auth")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory rate limiter (no external services required)")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	logger.Info("starting auth service")
	cfg := config.Load()
	if cfg.Telegram.BotToken == "" {
		logger.Info("TELEGRAM_BOT_TOKEN не задан — вход через Telegram будет отклонять все запросы")
	}

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres()
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "auth: ")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	userRepo := repository.NewUserRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	transferRepo := repository.NewTransferRepository(pool)

	var limiter ratelimit.Limiter
	if *dev || cfg.Redis.URL == "" {
		logger.Info("rate limit: процесс-локальный лимитер (REDIS_URL не задан)")
		limiter = ratelimit.NewMemory()
	} else {
		redisLimiter := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "auth: ")
		defer redisLimiter.Close()
		limiter = redisLimiter
	}

	authSvc := service.NewAuthService(userRepo, sessionRepo, limiter, service.AuthConfig{
		BotToken:      cfg.Telegram.BotToken,
		SessionTTL:    time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		InitDataTTL:   time.Duration(cfg.Telegram.InitDataTTLSec) * time.Second,
		ReplaySkew:    time.Duration(cfg.Telegram.ReplaySkewSec) * time.Second,
		LoginPerIPMin: cfg.RateLimit.LoginPerIP,
	})
	transferSvc := service.NewTransferService(transferRepo, authSvc, limiter, service.TransferConfig{
		DefaultTTL:         time.Duration(cfg.Transfer.TTLSec) * time.Second,
		MinTTL:             time.Duration(cfg.Transfer.MinTTLSec) * time.Second,
		MaxTTL:             time.Duration(cfg.Transfer.MaxTTLSec) * time.Second,
		MintPerUserMin:     cfg.RateLimit.MintPerUser,
		MintPerIPMin:       cfg.RateLimit.MintPerIP,
		ConsumePerIPMin:    cfg.RateLimit.ConsumePerIP,
		ConsumePerTokenMin: cfg.RateLimit.ConsumePerToken,
	})
	authH := handler.NewAuthHandler(authSvc, cfg.Session.CookieName)
	transferH := handler.NewTransferHandler(transferSvc, cfg.Session.CookieName)

	// Фоновая уборка истёкших токенов переноса (на корректность не влияет —
	// consume сам отсекает истёкшие; это только гигиена таблицы).
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWg sync.WaitGroup
	cleanupWg.Add(1)
	go func() {
		defer cleanupWg.Done()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(cleanupCtx, 30*time.Second)
				if n, err := transferRepo.DeleteExpired(ctx); err != nil {
					logger.Errorf("transfer cleanup: %v", err)
				} else if n > 0 {
					logger.Infof("transfer cleanup: удалено %d истёкших токенов", n)
				}
				cancel()
			}
		}
	}()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RecoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/api/auth/telegram", authH.TelegramLogin)
	r.Post("/api/auth/logout", authH.Logout)
	r.Post("/api/auth/transfer/consume", transferH.Consume)
	r.With(middleware.InternalOnly).Post("/internal/validate", handler.ValidateSession(authSvc))

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(authSvc, cfg.Session.CookieName))
		r.Get("/api/auth/me", authH.Me)
		r.Get("/api/auth/sessions", authH.GetSessions)
		r.Delete("/api/auth/sessions", authH.LogoutAllSessions)
		r.Post("/api/auth/transfer", transferH.Mint)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	var srvWg sync.WaitGroup
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("auth server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("auth server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down auth server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("auth server shutdown: %v", err)
	}
	cleanupCancel()
	cleanupWg.Wait()
	srvWg.Wait()
}

// runMigrations применяет встроенные миграции по порядку номеров файлов.
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres() (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "repetitor"
		password = "repetitor_secret"
		database = "repetitor"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Username(user).
			Password(password).
			Database(database).
			Port(port).
			DataPath(dataDir).
			Logger(os.Stdout),
	)
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start embedded postgres: %w", err)
	}
	logger.Infof("embedded postgres started on :%d (data: %s)", port, dataDir)
	return db, nil
}
