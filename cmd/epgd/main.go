// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/epgd/epgd/internal/config"
	"github.com/epgd/epgd/internal/daemon"
	"github.com/epgd/epgd/internal/health"
	"github.com/epgd/epgd/internal/license"
	xlog "github.com/epgd/epgd/internal/log"
	"github.com/epgd/epgd/internal/version"
)

const defaultConfigPath = "/etc/epgd.conf"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	stopDaemon := flag.Bool("stop", false, "ask the running daemon to stop and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (commit: %s, built: %s)\n", version.Project, version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger := xlog.WithComponent("main")
		logger.Fatal().Err(err).
			Str("event", "config.load_failed").Str("path", *configPath).
			Msg("failed to load configuration")
	}

	if *stopDaemon {
		if err := daemon.SendStopRequest(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "stop daemon: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	sink, err := xlog.OpenSink(cfg.LogPath)
	if err != nil {
		logger := xlog.WithComponent("main")
		logger.Fatal().Err(err).
			Str("event", "log.open_failed").Str("path", cfg.LogPath).
			Msg("failed to open log file")
	}
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Output: sink})
	logger := xlog.WithComponent("main")
	logger.Info().Str("event", "daemon.starting").Str("config", *configPath).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return d.Run(ctx)
	})

	if cfg.MetricsHost != "" {
		srv := opsServer(cfg)
		g.Go(func() error {
			logger.Info().Str("event", "ops.listen").Str("addr", cfg.MetricsHost).Msg("ops listener bound")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("event", "daemon.failed").Msg("service failed")
		os.Exit(1)
	}
	logger.Info().Str("event", "daemon.exit").Msg("service exited")
}

// opsServer serves Prometheus metrics and the health probes.
func opsServer(cfg config.Config) *http.Server {
	mgr := health.NewManager(version.Version)
	mgr.RegisterChecker(health.NewDirChecker("epg_in_directory", cfg.EPGInDir))
	mgr.RegisterChecker(health.NewDirChecker("epg_out_directory", cfg.EPGOutDir))
	if cfg.LogPath != "" && cfg.LogPath != "/dev/null" {
		mgr.RegisterChecker(health.NewFileChecker("log_file", cfg.LogPath))
	}
	mgr.RegisterChecker(health.NewLicenseChecker(func() (time.Time, bool) {
		return license.Decode(version.Project, cfg.LicenseKey)
	}))

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", mgr.ServeHealth)
	r.Get("/readyz", mgr.ServeReady)

	return &http.Server{
		Addr:              cfg.MetricsHost,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
