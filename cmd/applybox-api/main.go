package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"applybox/internal/api"
	"applybox/internal/auth"
	"applybox/internal/campaign"
	"applybox/internal/config"
	"applybox/internal/db"
	"applybox/internal/jobs"
	"applybox/internal/metrics"
	"applybox/internal/notify"
	"applybox/internal/pubsub"
	"applybox/internal/ratelimit"
	"applybox/internal/schema"
	"applybox/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
	case "migrate":
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		os.Exit(0)
	case "admin-token":
		if err := printAdminToken(cfg, os.Args[2:]); err != nil {
			log.Fatalf("Failed to issue admin token: %v", err)
		}
		os.Exit(0)
	default:
		log.Fatalf("Unknown command: %s (use 'serve', 'migrate' or 'admin-token')", cmd)
	}

	// Initialize logger
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Database connection
	dbPool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	// Redis connection
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	bus := pubsub.New(rdb, logger)
	m := metrics.New()
	schemaComp := schema.NewCompilerWithCache(cfg.SchemaCacheSize)

	campaignSvc := service.NewCampaignService(dbPool.Queries, campaign.NewStateMachine(), schemaComp, bus, logger)

	// Background jobs
	jobServer, jobClient := jobs.NewJobServer(cfg.RedisAddr, campaignSvc, logger)
	campaignSvc.SetJobClient(service.NewAsynqJobClient(jobClient))
	go func() {
		if err := jobServer.Start(); err != nil {
			logger.Fatal("Job server failed", zap.Error(err))
		}
	}()
	defer jobServer.Stop()

	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to configure mail", zap.Error(err))
	}

	limiter := ratelimit.NewRedisLimiter(rdb,
		ratelimit.Policy{Limit: cfg.RateLimitVerify, Window: cfg.RateLimitWindow},
		map[string]ratelimit.Policy{
			ratelimit.ActionVerify: {Limit: cfg.RateLimitVerify, Window: cfg.RateLimitWindow},
			ratelimit.ActionSubmit: {Limit: cfg.RateLimitSubmit, Window: cfg.RateLimitWindow},
		},
	)

	submissionSvc := service.NewSubmissionService(service.SubmissionDeps{
		Campaigns:       campaignSvc,
		Members:         dbPool.Queries,
		Apps:            dbPool.Queries,
		Limiter:         limiter,
		Tokens:          auth.NewSessionTokens(cfg.SessionSecret, cfg.SessionTTL),
		SchemaComp:      schemaComp,
		Dispatcher:      dispatcher,
		Bus:             bus,
		Metrics:         m,
		Log:             logger,
		LimiterFailOpen: cfg.RateLimitFailOpen,
	})

	ipLimiter := ratelimit.NewIPLimiter(cfg.IPRateRPS, cfg.IPRateBurst)
	stopCleanup := make(chan struct{})
	go ipLimiter.RunCleanup(time.Minute, stopCleanup)
	defer close(stopCleanup)

	// HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Mount("/v1", api.Routes(api.Dependencies{
		Campaigns:   campaignSvc,
		Submissions: submissionSvc,
		Admin:       auth.NewAdminAuth(cfg.AdminJWTSecret),
		IPLimiter:   ipLimiter,
		Metrics:     m,
		Log:         logger,
	}))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := dbPool.Ping(req.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(req.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	logger.Info("Starting server", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newDispatcher sends real mail when SMTP is configured and logs otherwise
func newDispatcher(cfg *config.Config, logger *zap.Logger) (notify.Dispatcher, error) {
	if cfg.SMTPHost == "" {
		logger.Warn("SMTP_HOST not set, confirmation emails are only logged")
		return notify.NewLogDispatcher(logger), nil
	}
	return notify.NewSMTPDispatcher(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		Timeout:  cfg.RequestTimeout,
	})
}

func printAdminToken(cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: applybox-api admin-token <subject> [ttl]")
	}
	ttl := 12 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
		ttl = d
	}

	token, err := auth.NewAdminAuth(cfg.AdminJWTSecret).IssueAdminToken(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
