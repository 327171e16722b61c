package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/alliedadvantage/research-engine/internal/auth"
	"github.com/alliedadvantage/research-engine/internal/config"
	"github.com/alliedadvantage/research-engine/internal/metrics"
	"github.com/alliedadvantage/research-engine/internal/policy"
	"github.com/alliedadvantage/research-engine/internal/provider"
	"github.com/alliedadvantage/research-engine/internal/refresh"
	"github.com/alliedadvantage/research-engine/internal/research"
	"github.com/alliedadvantage/research-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			slog.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Upstream provider + credentials ---
	if cfg.ProviderEndpoint == "" {
		slog.Warn("METRICS_PROVIDER_URL not set, market fetches will fail")
	}
	metricsProvider := provider.NewHTTPProvider(cfg.ProviderEndpoint, cfg.ProviderAPIKey)
	credSource := provider.NewStaticCredentialSource(cfg.AdsCustomerID, cfg.AdsRefreshToken)

	// --- WebSocket hub ---
	wsHub := research.NewWSHub()
	go wsHub.Run()

	// --- Refresh orchestrator ---
	orchestrator := refresh.New(st, metricsProvider, credSource, wsHub,
		refresh.WithChunking(cfg.ChunkSize, cfg.ChunkDelay),
		refresh.WithResultTTL(cfg.ResultTTL),
	)
	refreshHandler := refresh.NewHandler(orchestrator)

	// --- Refresh trigger transport ---
	var enqueuer research.Enqueuer
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)

		queue, err := refresh.NewQueue(nc, orchestrator, 4)
		if err != nil {
			slog.Error("refresh queue setup failed", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := queue.Start(ctx); err != nil && err != context.Canceled {
				slog.Error("refresh queue stopped", "err", err)
			}
		}()

		enqueuer, err = research.NewNATSEnqueuer(nc)
		if err != nil {
			slog.Error("NATS enqueuer setup failed", "err", err)
			os.Exit(1)
		}
		slog.Info("refresh trigger over NATS", "url", cfg.NATSURL)
	} else {
		enqueuer = research.NewHTTPEnqueuer(cfg.OrchestratorURL)
		slog.Info("refresh trigger over HTTP", "url", cfg.OrchestratorURL)
	}

	// --- Read-path service ---
	researchSvc := research.NewService(st, policy.New(cfg.ResultTTL, cfg.Throttle), enqueuer, wsHub)

	// --- Auth ---
	var verifier auth.Verifier
	if cfg.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			slog.Error("OIDC setup failed", "err", err)
			os.Exit(1)
		}
		verifier = v
	} else {
		slog.Warn("OIDC_ISSUER not set, bearer tokens are trusted verbatim (development only)")
		verifier = auth.InsecureVerifier{}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"research-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Orchestrator trigger. Not exposed publicly; deployments keep it on
	// the internal network.
	r.Post("/internal/refresh", refreshHandler.Trigger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		// Live refresh-status stream.
		r.Get("/ws", wsHub.HandleWS)

		// Cached cross-market research.
		r.Get("/research", researchSvc.GetResearch)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("research-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down research-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("research-engine stopped")
}
