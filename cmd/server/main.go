package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/app"
	"github.com/AnshRaj112/hams-diary/internal/config"
	"github.com/AnshRaj112/hams-diary/internal/logging"
	"github.com/AnshRaj112/hams-diary/internal/middleware"
	"github.com/AnshRaj112/hams-diary/internal/routes"
)

func main() {
	// Load env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	logger := logging.Must(cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Production: security headers, host check, per-IP and admin limits.
	// Elsewhere: the Redis-backed limiter only.
	if cfg.IsProduction() {
		for _, mw := range middleware.ProductionSecurity(cfg.AllowedHost) {
			r.Use(mw)
		}
		logger.Info("production security enabled", zap.String("allowed_host", cfg.AllowedHost))
	} else {
		r.Use(a.RateLimit.Middleware)
	}

	routes.SetupRoutes(r, a.Handler(), routes.Guards{
		Owner: middleware.RequireOwner(a.OwnerSessions, logger),
		Admin: middleware.RequireAdmin(cfg.AdminAPIKeyHash, a.AdminSessions, logger),
	})

	if cfg.PurgeInterval > 0 {
		a.Scheduler().Start(ctx)
		logger.Info("trash purge scheduler started",
			zap.Duration("interval", cfg.PurgeInterval),
			zap.Duration("retention", cfg.TrashRetention))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("diary backend running", zap.String("port", cfg.Port), zap.String("env", cfg.Environment))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
