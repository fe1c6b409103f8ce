// Package main provides the entry point for the browser session runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/config"
	"github.com/steel-dev/steel-browser-go/internal/driver"
	"github.com/steel-dev/steel-browser-go/internal/fingerprint"
	"github.com/steel-dev/steel-browser-go/internal/handlers"
	"github.com/steel-dev/steel-browser-go/internal/metrics"
	"github.com/steel-dev/steel-browser-go/internal/middleware"
	"github.com/steel-dev/steel-browser-go/internal/orchestrator"
	"github.com/steel-dev/steel-browser-go/internal/plugins"
	"github.com/steel-dev/steel-browser-go/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("steel-browser %s\n", version.Full())
		return
	}

	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting browser session runtime")

	metrics.Register()

	fp, err := fingerprint.NewManager(cfg.FingerprintProfilesPath, cfg.FingerprintHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize fingerprint profiles")
	}

	fabric := plugins.New(cfg.HookTimeout)
	fabric.Register(metrics.NewPlugin())

	drv := driver.New(cfg)
	orch := orchestrator.New(cfg, drv, fabric, fp)
	orch.Run()

	handler := handlers.New(orch)
	mux := handler.Routes()
	mux.Handle("GET /metrics", metrics.Handler())

	// Middleware applied outermost-first: recovery catches everything,
	// logging sees every request, then CORS/headers/timeout.
	finalHandler := middleware.Chain(
		middleware.Recovery,
		middleware.Logging,
		middleware.CORS(middleware.CORSConfig{}),
		middleware.SecurityHeaders,
		middleware.Timeout(cfg.LaunchTimeout+30*time.Second),
	)(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second, // Prevent slowloris attacks
		IdleTimeout:       120 * time.Second,
	}

	// Warm the runtime so the first caller doesn't pay launch latency.
	if cfg.KeepAlive {
		if _, err := orch.Launch(context.Background(), nil); err != nil {
			log.Error().Err(err).Msg("Initial browser launch failed, continuing without a warm session")
		}
	}

	go func() {
		log.Info().
			Str("address", addr).
			Bool("keep_alive", cfg.KeepAlive).
			Bool("headless", cfg.Headless).
			Msg("Browser session runtime is ready")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if err := orch.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Session shutdown error")
	}

	fp.Close()

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
