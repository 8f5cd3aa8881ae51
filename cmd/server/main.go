// Package main provides the entry point for the threatpulse server.
// It polls public threat feeds, normalizes and dedups their indicators,
// and broadcasts a paced event stream to subscribers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/api/gateway"
	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/pipeline"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Global pipeline handle for the HTTP handlers
var pipe *pipeline.Pipeline

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("threatpulse %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	// Load configuration. A missing file at the default path means run
	// on defaults; an explicit path must exist.
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && *configPath == "configs/config.yaml" {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	cfg.Telemetry.ServiceVersion = Version
	telemetry, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()

	logger.Info("starting threatpulse",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", *configPath),
		zap.Strings("feeds", cfg.EnabledFeeds()))

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Optional redis for the shared geo cache and rate limiting
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    os.Getenv(cfg.Redis.PasswordEnv),
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing without it", zap.Error(err))
		}
		pingCancel()
	}

	pipe, err = pipeline.New(cfg, telemetry, rdb)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}
	if err := pipe.Start(ctx); err != nil {
		logger.Fatal("failed to start pipeline", zap.Error(err))
	}
	telemetry.StartSystemMetricsCollector(ctx)

	limiter := gateway.NewRateLimiter(rdb, cfg.RateLimit, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(gateway.RequestMetrics(telemetry.Metrics()))

	// Health and scrape endpoints
	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady)
	r.Handle("/metrics", telemetry.MetricsHandler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/status", handleStatus)
			r.Get("/attacks/snapshot", handleSnapshot)
			r.Post("/admin/clear", handleClear)
		})

		// Long-lived event stream; no timeout middleware here.
		r.Get("/stream", handleStream)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	// Stop the pipeline first: closing subscriptions lets the stream
	// handlers finish, which lets the server drain.
	cancel()
	pipe.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}
	telemetry.Shutdown(shutdownCtx)

	logger.Info("server stopped")
}

// Health and readiness handlers

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	degraded := pipe != nil && pipe.Degraded()
	status := "healthy"
	if degraded {
		status = "degraded"
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"version":  Version,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"degraded": degraded,
	})
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if pipe == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// API handlers

func handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if pipe == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "pipeline not running"})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":          true,
		"degraded":    pipe.Degraded(),
		"sources":     pipe.FeedStates(),
		"buffer_size": pipe.BufferLen(),
		"queue_depth": pipe.QueueDepth(),
		"stats":       pipe.Stats(),
		"dedup":       pipe.DedupStats(),
	})
}

func handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if pipe == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "pipeline not running"})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	sample := pipe.Snapshot(limit)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":           true,
		"last_updated": time.Now().UTC().Format(time.RFC3339),
		"count":        pipe.BufferLen(),
		"sample":       sample,
	})
}

func handleClear(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if pipe == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "pipeline not running"})
		return
	}

	cleared := pipe.Clear(r.Context())
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":      true,
		"cleared": cleared,
	})
}

// handleStream serves the broadcast feed as server-sent events. Each
// message rides in a named event so browsers can attach per-kind
// listeners.
func handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if pipe == nil {
		http.Error(w, "pipeline not running", http.StatusServiceUnavailable)
		return
	}

	sub := pipe.Subscribe()
	defer pipe.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data)
			flusher.Flush()
		}
	}
}
