package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/confidential"
	"github.com/ilshield/protection-engine/internal/ledger"
	"github.com/ilshield/protection-engine/internal/limits"
	"github.com/ilshield/protection-engine/internal/metrics"
	"github.com/ilshield/protection-engine/internal/protection"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st ledger.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = ledger.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = ledger.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = ledger.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Confidential capability ---
	var capability confidential.Capability
	switch backend := os.Getenv("FHE_BACKEND"); backend {
	case "", "plaintext":
		slog.Warn("using plaintext threshold backend; thresholds are not confidential")
		capability = confidential.NewPlaintext()
	case "tfhe":
		slog.Info("generating TFHE keys...")
		tfhe, err := confidential.NewTFHE()
		if err != nil {
			slog.Error("TFHE initialization failed", "err", err)
			os.Exit(1)
		}
		capability = tfhe
		slog.Info("TFHE backend ready")
	default:
		slog.Error("unknown FHE_BACKEND", "value", backend)
		os.Exit(1)
	}

	// --- Exposure limits ---
	maxPerPool := envDecimal("MAX_POOL_EXPOSURE", decimal.NewFromInt(1_000_000))
	maxCorrelated := envDecimal("MAX_CORRELATED_EXPOSURE", decimal.NewFromInt(5_000_000))
	limiter := limits.NewExposureLimiter(maxPerPool, maxCorrelated)

	// --- WebSocket hub ---
	hub := protection.NewEventHub()
	go hub.Run()

	// --- Protection controller and event dispatcher ---
	evalTimeout := time.Duration(envInt("EVAL_TIMEOUT_MS", 5000)) * time.Millisecond
	controller := protection.NewController(st, capability, protection.LogSettlement{}, hub, evalTimeout)
	dispatcher := protection.NewDispatcher(controller, envInt("EVENT_QUEUE_SIZE", 256))
	defer dispatcher.Close()

	svc := protection.NewService(st, capability, controller, limiter, dispatcher)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"protection-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time protection events.
		r.Get("/ws", hub.HandleWS)

		// Position management.
		r.Post("/positions", svc.CreatePosition)
		r.Get("/positions/{positionID}", svc.GetPosition)
		r.Get("/positions/{positionID}/events", svc.PositionEvents)
		r.Get("/owners/{owner}/positions", svc.OwnerPositions)
		r.Get("/pools/{poolID}/aggregate", svc.PoolAggregate)

		// Pool event ingestion.
		r.Post("/events", svc.IngestPoolEvent)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("protection-engine listening", "port", port)
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

	slog.Info("shutting down protection-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("protection-engine stopped")
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		slog.Warn("invalid integer env var, using default", "key", key, "value", v)
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
		slog.Warn("invalid decimal env var, using default", "key", key, "value", v)
	}
	return fallback
}
