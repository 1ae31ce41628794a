// Package main provides the entry point for the opspulse service: the
// REST surface and the scheduler loop in one process.
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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opspulse/opspulse/api"
	"github.com/opspulse/opspulse/config"
	"github.com/opspulse/opspulse/internal/metrics"
	"github.com/opspulse/opspulse/internal/probe"
	"github.com/opspulse/opspulse/internal/scheduler"
	"github.com/opspulse/opspulse/internal/store"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP server address")
	tick := flag.Duration("tick", 5*time.Minute, "scheduler tick interval")
	once := flag.Bool("once", false, "run a single scheduler tick and exit")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	st := store.NewSupabase(cfg, logger.Named("store"))
	prober := probe.New(probe.EnvSecretProvider{}, cfg.HTTPTimeout)
	sched := scheduler.New(cfg, st, prober, m, logger.Named("scheduler"))

	if *once {
		report, err := sched.Tick(context.Background())
		if err != nil {
			logger.Fatal("tick failed", zap.Error(err))
		}
		logger.Info("tick complete",
			zap.Int("due", report.Due),
			zap.Int("locked", report.Locked),
			zap.Int("conflicts", report.Conflicts))
		return
	}

	manual := scheduler.NewManualRunner(st, prober, m, logger.Named("manual"))
	auth := api.NewGoTrueAuthenticator(cfg)
	server := api.NewServer(st, manual, auth, registry, logger.Named("api"))

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx, *tick)
	}()

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down")
		cancel()
		<-schedDone

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		close(done)
	}()

	logger.Info("opspulse started",
		zap.String("addr", *addr),
		zap.Duration("tick", *tick),
		zap.String("instance_id", cfg.InstanceID))

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	<-done
	logger.Info("stopped")
}
