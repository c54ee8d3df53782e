package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"callflow/internal/config"
	"callflow/internal/dialogue"
	"callflow/internal/httpapi"
	"callflow/internal/observability"
	"callflow/internal/orchestrator"
	"callflow/internal/reasoning"
	"callflow/internal/resilience"
	"callflow/internal/store"
	"callflow/internal/synthesis"
	"callflow/internal/transcription"
	"callflow/internal/upstream/openai"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	shutdownTracer := func(context.Context) error { return nil }
	if cfg.TracingEnabled {
		shutdownTracer, err = observability.InitTracer("callflow", logger)
		if err != nil {
			logger.Error("tracer init failed", "error", err)
			os.Exit(1)
		}
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.WorkerPoolSize * 3,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	upstreamHTTPClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(transport)}
	upstreamClient := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, upstreamHTTPClient, openai.WithObserver(metrics.ObserveUpstream))

	resilient := make(map[string]*resilience.Client, 3)
	for _, name := range []string{"transcription", "reasoning", "synthesis"} {
		c, err := resilience.New(name, cfg.Resilience(), resilience.WithObserver(metrics), resilience.WithLogger(logger))
		if err != nil {
			logger.Error("resilience config invalid", "service", name, "error", err)
			os.Exit(1)
		}
		resilient[name] = c
	}

	transcriber := transcription.New(upstreamClient, resilient["transcription"], cfg.TranscriptionModel,
		transcription.WithLanguage(cfg.TranscriptionLanguage),
		transcription.WithSampleRate(cfg.AudioSampleRate),
	)
	reasoner := reasoning.New(upstreamClient, resilient["reasoning"], cfg.ReasoningModel,
		reasoning.WithTemperature(cfg.ReasoningTemperature),
		reasoning.WithMaxTokens(cfg.ReasoningMaxTokens),
	)
	synthesizer := synthesis.New(upstreamClient, resilient["synthesis"], cfg.SynthesisModel, cfg.SynthesisVoice)

	manager, err := dialogue.New(cfg.Dialogue(), transcriber, reasoner, synthesizer,
		dialogue.WithLogger(logger),
		dialogue.WithObserver(metrics),
	)
	if err != nil {
		logger.Error("dialogue init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		db       *store.Store
		recorder orchestrator.Recorder = store.Nop{}
		history  httpapi.CallHistory
		records  *store.Recorder
	)
	if cfg.StoreDriver != "none" {
		db, err = store.Open(ctx, store.Config{Driver: cfg.StoreDriver, DSN: cfg.StoreDSN})
		if err != nil {
			logger.Error("store open failed", "driver", cfg.StoreDriver, "error", err)
			os.Exit(1)
		}
		records = store.NewRecorder(db, cfg.RecorderQueueSize,
			store.WithRecorderLogger(logger),
			store.WithDropHook(metrics.IncRecordDropped),
		)
		recorder = records
		history = db
	}

	media := httpapi.NewMediaHub(httpapi.WithMediaLogger(logger), httpapi.WithSilenceFlush(cfg.SilenceFlush))
	orch, err := orchestrator.New(cfg.Orchestrator(), orchestrator.Deps{
		Dialogue:  manager,
		Publisher: media,
		Recorder:  recorder,
		Metrics:   metrics,
		Health: []orchestrator.HealthSource{
			resilient["transcription"],
			resilient["reasoning"],
			resilient["synthesis"],
		},
	}, orchestrator.WithLogger(logger))
	if err != nil {
		logger.Error("orchestrator init failed", "error", err)
		os.Exit(1)
	}
	media.Bind(orch)
	go orch.Run(ctx)

	if cfg.UpstreamAPIKey != "" {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := upstreamClient.CheckModels(checkCtx); err != nil {
			logger.Warn("upstream_unreachable", "base_url", cfg.UpstreamBaseURL, "error", err)
		}
		cancel()
	}

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Calls:          orch,
		History:        history,
		Media:          media,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "max_calls", cfg.MaxConcurrentCalls, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		exitCode = 1
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown incomplete", "error", err)
		exitCode = 1
	}
	if records != nil {
		if err := records.Close(shutdownCtx); err != nil {
			logger.Error("call records not flushed", "error", err)
			exitCode = 1
		}
	}
	if db != nil {
		_ = db.Close()
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	logger.Info("server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
