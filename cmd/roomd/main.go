// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roomkit/roomd/internal/access"
	"github.com/roomkit/roomd/internal/api"
	"github.com/roomkit/roomd/internal/bus"
	"github.com/roomkit/roomd/internal/config"
	"github.com/roomkit/roomd/internal/link"
	roomlog "github.com/roomkit/roomd/internal/log"
	"github.com/roomkit/roomd/internal/session"
	"github.com/roomkit/roomd/internal/store"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	roomlog.Configure(roomlog.Config{Level: "info", Service: "roomd", Version: version})
	logger := roomlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}
	roomlog.Configure(roomlog.Config{Level: cfg.LogLevel, Service: "roomd", Version: version})
	logger = roomlog.WithComponent("daemon")

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("room_id", cfg.RoomID).
		Str("serial_port", cfg.SerialPort).
		Str("access_listen", cfg.AccessListen).
		Str("http_listen", cfg.HTTPListen).
		Msg("starting roomd")

	db, err := store.Open(cfg.DBPath, store.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("opening database failed")
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("ensuring schema failed")
	}
	repo := store.NewRepo(db)

	policy := bus.Drop
	if cfg.BusPolicy == config.BusBlock {
		policy = bus.Block
	}
	eventBus := bus.New(cfg.BusBuffer, policy)
	defer eventBus.Close()

	linkClient := link.New(
		link.SerialDial(cfg.SerialPort, cfg.SerialBaud),
		eventBus,
		link.Options{
			HeartbeatInterval: cfg.HeartbeatInterval,
			MissThreshold:     cfg.MissThreshold,
			CommandTimeout:    cfg.CommandTimeout,
		},
	)

	controller := session.New(cfg.RoomID, cfg.TickInterval, repo, linkClient, eventBus)

	accessSrv := access.New(controller, repo, eventBus, access.Options{
		Secret:        cfg.RoomSecret,
		PresenceGrace: cfg.PresenceGrace,
		AuthPerSecond: cfg.AuthPerSecond,
		AuthBurst:     cfg.AuthBurst,
	})

	apiSrv := api.New(controller, linkClient, cfg.MetricsEnabled)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	accessLn, err := net.Listen("tcp", cfg.AccessListen)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.AccessListen).Msg("access listener failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return linkClient.Run(gctx) })
	g.Go(func() error { return controller.Run(gctx) })
	g.Go(func() error { return accessSrv.Serve(gctx, accessLn) })
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Str("event", "shutdown.error").Msg("daemon failed")
	}
	logger.Info().Str("event", "shutdown").Msg("roomd exiting")
}
