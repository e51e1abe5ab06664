package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Briskmed/Scope/internal/config"
	"github.com/Briskmed/Scope/internal/metrics"
	"github.com/Briskmed/Scope/internal/server"
	"github.com/Briskmed/Scope/internal/session"
	"github.com/Briskmed/Scope/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "scope-transcription-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Pull in a local .env if present, so OPENAI_API_KEY can live
	// outside the config file.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.Int("port", cfg.Server.Port),
		slog.Int("default_sample_rate", cfg.Audio.DefaultSampleRate),
		slog.Float64("chunk_min_duration", cfg.Audio.ChunkMinDuration),
		slog.String("spool_dir", cfg.Session.SpoolDir),
		slog.Int("idle_timeout", cfg.Session.IdleTimeout),
		slog.String("transcription_model", cfg.Transcription.Model),
		slog.Bool("fallback_enabled", cfg.Transcription.Fallback.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Prepare the spool directory and clear chunk files orphaned by an
	// unclean shutdown.
	if err := os.MkdirAll(cfg.Session.SpoolDir, 0o755); err != nil {
		logger.Error("Failed to create spool directory",
			slog.String("dir", cfg.Session.SpoolDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := session.SweepSpool(cfg.Session.SpoolDir, logger); err != nil {
		logger.Warn("Spool sweep failed", slog.String("error", err.Error()))
	}

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize transcription engine
	engine := transcription.NewEngine(transcription.Config{
		APIKey:        cfg.Transcription.APIKey,
		BaseURL:       cfg.Transcription.BaseURL,
		Model:         cfg.Transcription.Model,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		BackoffBase:   cfg.Transcription.GetBackoffBaseDuration(),
		BackoffCap:    cfg.Transcription.GetBackoffCapDuration(),
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
		Fallback: transcription.FallbackConfig{
			Enabled:  cfg.Transcription.Fallback.Enabled,
			Endpoint: cfg.Transcription.Fallback.Endpoint,
			Timeout:  cfg.Transcription.Fallback.GetFallbackTimeoutDuration(),
		},
	}, logger, appMetrics)
	logger.Info("Transcription engine initialized",
		slog.String("model", cfg.Transcription.Model),
		slog.Int("max_retries", cfg.Transcription.MaxRetries),
		slog.Int("max_concurrent", cfg.Transcription.MaxConcurrent),
	)

	// Initialize session manager
	sessionMgr := session.NewManager(logger, session.Config{
		SpoolDir:         cfg.Session.SpoolDir,
		ChunkMinDuration: cfg.Audio.GetChunkMinDuration(),
		SessionTimeout:   cfg.Session.GetIdleTimeoutDuration(),
		CleanupInterval:  cfg.Session.GetCleanupIntervalDuration(),
	}, engine, appMetrics)
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeoutDuration()),
		slog.Duration("cleanup_interval", cfg.Session.GetCleanupIntervalDuration()),
	)

	// Initialize and start the HTTP server (websocket + monitoring API)
	httpServer := server.NewHTTPServer(cfg, logger, sessionMgr, engine, appMetrics)
	httpServer.Start()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("listen_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop the HTTP server first so no new connections or frames come
	// in while sessions drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Finalize remaining sessions, then close the engine.
	sessionMgr.Shutdown()
	engine.Close()

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
