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

	"github.com/N1ades/screencast/internal/codec"
	"github.com/N1ades/screencast/internal/platform/config"
	"github.com/N1ades/screencast/internal/platform/logger"
	"github.com/N1ades/screencast/internal/platform/metrics"
	"github.com/N1ades/screencast/internal/relay"
	"github.com/N1ades/screencast/internal/session"
	"github.com/N1ades/screencast/internal/transcode"
	"github.com/N1ades/screencast/internal/wsserver"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, logCloser, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.Error("server failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (session.Store, error) {
	if cfg.Session.DB == "" {
		return session.NewMemoryStore(), nil
	}
	return session.OpenSQLiteStore(cfg.Session.DB)
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	met := metrics.New()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	registry := session.NewRegistry(store, session.WithMetrics(met))
	if cfg.Session.TTL > 0 {
		go registry.RunJanitor(ctx, cfg.Session.TTL, cfg.Session.SweepInterval, log)
	}

	prefs, err := codec.ParsePairs(cfg.CodecPreferences)
	if err != nil {
		return err
	}

	policy := transcode.DefaultPolicy()
	policy.LogLevel = cfg.FFmpegLogLevel
	sup := transcode.NewSupervisor(transcode.SupervisorOptions{
		Path:    cfg.FFmpegPath,
		Policy:  policy,
		Logger:  log,
		Metrics: met,
	})

	hub := wsserver.NewHub(wsserver.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowedOrigins:    cfg.AllowedOrigins,
		Logger:            log,
		Metrics:           met,
	})
	go hub.Run(ctx)

	peers, err := relay.NewPionFactory(relay.PionOptions{STUNURLs: cfg.STUNURLs, Codecs: prefs, Logger: log})
	if err != nil {
		return err
	}

	rl := relay.New(relay.Options{
		Registry:         registry,
		Supervisor:       sup,
		Peers:            peers,
		StreamBaseURL:    cfg.StreamBaseURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           log,
		Metrics:          met,
	})
	h := relay.NewHandler(rl, hub, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { h.UpdateGauges(r.Context()) }).ServeHTTP(w, r)
	})
	r.Get("/healthz", h.Healthz)
	r.Get("/", h.Signaling)
	r.Get("/ws", h.Signaling)
	r.Get("/upload", h.Upload)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/disconnect", h.Disconnect)
	})

	srv := &http.Server{Addr: cfg.Addr(), Handler: r}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info("server starting",
		"addr", cfg.Addr(),
		"stream_base_url", cfg.StreamBaseURL,
		"codecs", cfg.CodecPreferences,
		"session_db", cfg.Session.DB,
		"log_level", cfg.Log.Level,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// hijacked websockets are not tracked by Shutdown
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	sup.StopAll(shutdownCtx)

	log.Info("server stopped")
	return nil
}
