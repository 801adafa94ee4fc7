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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sharedraw/resale-engine/internal/config"
	"github.com/sharedraw/resale-engine/internal/engine"
	"github.com/sharedraw/resale-engine/internal/metrics"
	"github.com/sharedraw/resale-engine/internal/ratelimit"
	"github.com/sharedraw/resale-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Rate limiter ---
	// Shared across replicas when Redis is available.
	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimit, cfg.RateLimitWindow, "")
	} else {
		limiter = ratelimit.NewMemory(cfg.RateLimit, cfg.RateLimitWindow)
	}

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Trading engine ---
	eng := engine.New(st, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"resale-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	rateLimited := ratelimit.Middleware(limiter, callerKey)

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time listing events.
		r.Get("/ws", wsHub.HandleWS)

		// Listing browse.
		r.Get("/listings", eng.HandleListListings)
		r.Get("/listings/{listingID}", eng.HandleGetListing)
		r.Get("/listings/{listingID}/trades", eng.HandleListingTrades)

		// Trading operations, rate limited per caller.
		r.Group(func(r chi.Router) {
			r.Use(rateLimited)
			r.Post("/listings", eng.HandleCreateListing)
			r.Post("/listings/{listingID}/purchase", eng.HandlePurchase)
			r.Post("/listings/{listingID}/cancel", eng.HandleCancel)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("resale-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down resale-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("resale-engine stopped")
}

// callerKey picks the rate-limit key: the authenticated caller id set by
// the gateway, falling back to the remote address.
func callerKey(r *http.Request) string {
	if id := r.Header.Get("X-Caller-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}
