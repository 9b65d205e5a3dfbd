package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/roomrelay/internal/bootstrap"
	"github.com/postalsys/roomrelay/internal/config"
	"github.com/postalsys/roomrelay/internal/control"
	"github.com/postalsys/roomrelay/internal/health"
	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/metrics"
	"github.com/postalsys/roomrelay/internal/relay"
)

// shutdownTimeout bounds a graceful stop.
const shutdownTimeout = 10 * time.Second

// runRelay starts the relay plus the optional health and control servers,
// then blocks until ctx is done and stops them all. started, if set, is
// called once everything is listening.
func runRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger, started func(*relay.Server)) error {
	srv := relay.New(cfg.Relay(),
		relay.WithLogger(logger),
		relay.WithMetrics(metrics.Default()))
	bootstrap.Install(srv, cfg.Rooms, logger)

	if err := srv.Start(); err != nil {
		return err
	}

	var stops []func(context.Context) error

	if cfg.Health.Enabled {
		hs := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Logger:       logger,
		}, srv)
		if err := hs.Start(); err != nil {
			return errors.Join(fmt.Errorf("failed to start health server: %w", err), stopAll(srv, stops))
		}
		stops = append(stops, hs.StopWithContext)
	}

	if cfg.Control.Enabled {
		cs := control.NewServer(control.ServerConfig{
			SocketPath:   cfg.Control.SocketPath,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Logger:       logger,
		}, srv)
		if err := cs.Start(); err != nil {
			return errors.Join(fmt.Errorf("failed to start control server: %w", err), stopAll(srv, stops))
		}
		stops = append(stops, cs.StopWithContext)
	}

	if started != nil {
		started(srv)
	}

	<-ctx.Done()
	logger.Info("shutting down", logging.KeyReason, context.Cause(ctx))

	return stopAll(srv, stops)
}

// stopAll stops the auxiliary servers in parallel, then the relay.
func stopAll(srv *relay.Server, stops []func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, stop := range stops {
		g.Go(func() error { return stop(ctx) })
	}
	auxErr := g.Wait()

	return errors.Join(auxErr, srv.StopWithContext(ctx))
}
