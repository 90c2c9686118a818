package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"budget-api/internal/auth"
	"budget-api/internal/config"
	"budget-api/internal/db"
	"budget-api/internal/maintenance"
	"budget-api/internal/notify"
	"budget-api/internal/observability"
	"budget-api/internal/ratelimit"
)

type Runtime struct {
	Handler http.Handler
	Logger  *logrus.Logger
	Addr    string
	Close   func() error
}

// Build wires the whole service from the environment and returns a ready
// handler plus a Close that stops background loops and releases resources.
func Build() (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.Environment)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Error("init_sentry_failed")
	}

	database, err := db.Connect(cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	codec := auth.NewCodec(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	ledger := auth.NewLedger(database, cfg.RefreshTokenTTL, logger)
	userRepo := auth.NewRepository(database)

	var mailer notify.Mailer
	if cfg.MailWebhookURL != "" {
		mailer = notify.NewWebhookMailer(cfg.MailWebhookURL, cfg.MailWebhookTimeout)
	} else {
		mailer = notify.NewLogMailer(logger)
	}

	service := auth.NewService(userRepo, ledger, codec, mailer, logger, cfg.BcryptCost, cfg.ResetTokenTTL)

	cookieOpts := auth.CookieOptions{
		Secure:     cfg.CookieSecure,
		SameSite:   cfg.SameSite(),
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	}
	authHandler := auth.NewHandler(service, cookieOpts, logger)
	cleanupHandler := maintenance.NewCleanupHandler(ledger, logger, cfg.CronSecret)

	globalGate := ratelimit.New("global", cfg.RateGlobalMax, cfg.RateGlobalWindow, logger)
	authGate := ratelimit.New("auth", cfg.RateAuthMax, cfg.RateAuthWindow, logger)
	strictGate := ratelimit.New("strict", cfg.RateStrictMax, cfg.RateStrictWindow, logger)

	ledger.StartCleanup(cfg.CleanupInterval)
	for _, gate := range []*ratelimit.Gate{globalGate, authGate, strictGate} {
		gate.StartCleanup(5 * time.Minute)
	}

	router := chi.NewRouter()
	router.Use(observability.Recover(logger))
	router.Use(observability.RequestLogging(logger))
	router.Use(globalGate.Middleware)

	router.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authGate.Middleware)
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
		})
		r.Group(func(r chi.Router) {
			r.Use(strictGate.Middleware)
			r.Post("/forgot-password", authHandler.ForgotPassword)
			r.Post("/reset-password", authHandler.ResetPassword)
		})
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(service))
			r.Get("/me", authHandler.Me)
			r.Post("/logout-all", authHandler.LogoutAll)
		})
	})

	router.Get("/health", healthHandler(database))
	router.Get("/internal/maintenance/cleanup", cleanupHandler.Handle)
	router.Post("/internal/maintenance/cleanup", cleanupHandler.Handle)

	return &Runtime{
		Handler: router,
		Logger:  logger,
		Addr:    ":" + cfg.Port,
		Close: func() error {
			ledger.Stop()
			globalGate.Stop()
			authGate.Stop()
			strictGate.Stop()
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
