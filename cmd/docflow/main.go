// CLAUDE:SUMMARY docflow entrypoint: config, logging, store, service,
// queue consumer, HTTP server with hardening, optional MCP stdio transport.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/docflow/docflow"
	"github.com/hazyhaar/docflow/kit"
	"github.com/hazyhaar/docflow/shield"
)

func main() {
	configPath := env("DOCFLOW_CONFIG", "")
	logLevel := env("LOG_LEVEL", "info")
	mcpTransport := env("MCP_TRANSPORT", "")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Config: file if given, defaults plus env otherwise.
	var cfg *docflow.Config
	var err error
	if configPath != "" {
		cfg, err = docflow.LoadConfig(configPath)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	} else {
		cfg = docflow.DefaultConfig()
		cfg.Gateway.Endpoint = env("GATEWAY_ENDPOINT", "")
		cfg.Gateway.Token = os.Getenv("GATEWAY_TOKEN")
		cfg.DBPath = env("DB_PATH", cfg.DBPath)
		cfg.Listen = env("LISTEN", cfg.Listen)
		if err := cfg.Validate(); err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := docflow.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// Queue consumer.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		svc.Start(ctx)
	}()

	// Optional MCP stdio transport.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "docflow",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
	}

	// Router with hardening.
	admin, err := shield.NewBearerAuth(adminPassword)
	if err != nil {
		slog.Error("admin auth", "error", err)
		os.Exit(1)
	}
	if !admin.Enabled() {
		slog.Warn("ADMIN_PASSWORD not set, admin endpoints are open")
	}

	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxBody(128 << 20))
	r.Use(requestLogger(logger))

	svc.RegisterHTTP(r, admin.Middleware)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	<-consumerDone
	slog.Info("server stopped")
}

// requestLogger tags each request with an id and logs one line at debug level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := uuid.NewString()
			ctx := kit.WithRequestID(kit.WithTransport(r.Context(), "http"), reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", reqID,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
