package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gonkalabs/gonka-redact/internal/api"
	"github.com/gonkalabs/gonka-redact/internal/config"
	"github.com/gonkalabs/gonka-redact/internal/ingest"
	"github.com/gonkalabs/gonka-redact/internal/setup"
	"github.com/gonkalabs/gonka-redact/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	san, err := setup.Sanitizer(cfg)
	if err != nil {
		slog.Error("sanitizer error", "err", err)
		os.Exit(1)
	}
	sealer, err := setup.Sealer(cfg)
	if err != nil {
		slog.Error("sealer error", "err", err)
		os.Exit(1)
	}
	store, err := setup.Store(cfg, sealer)
	if err != nil {
		slog.Error("mapping store error", "err", err)
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()
	}

	var client *upstream.Client
	if cfg.ProxyEnabled() {
		client = upstream.New(cfg.UpstreamURLs, upstream.NewKeyPool(cfg.UpstreamKeys))
		slog.Info("chat proxy enabled", "endpoints", client.Endpoints())
	}

	handler := api.New(api.Options{
		Sanitizer: san,
		Store:     store,
		Extractor: ingest.New(cfg.MaxUploadBytes, sealer),
		Upstream:  client,
		RateLimit: cfg.RateLimitRPM,
		MaxUpload: cfg.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Budget + 300*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("starting redaction server",
		"addr", cfg.ListenAddr,
		"classifiers", len(san.Classifiers()),
		"store", cfg.MappingStore,
		"proxy", client != nil,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	<-done
}
