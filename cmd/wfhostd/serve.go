package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flowhost/wfengine/builtinsteps"
	"github.com/flowhost/wfengine/control"
	"github.com/flowhost/wfengine/coordinator"
	"github.com/flowhost/wfengine/definition"
	"github.com/flowhost/wfengine/emit"
	"github.com/flowhost/wfengine/executor"
	"github.com/flowhost/wfengine/scheduler"
	"github.com/flowhost/wfengine/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler host and control API until signalled",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	coord, closeCoord, err := openCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCoord()

	defs := definition.New()
	if cfg.DefinitionsDir != "" {
		if err := definition.LoadDir(defs, cfg.DefinitionsDir); err != nil {
			log.Warn("wfhostd: loading definitions directory", zap.String("dir", cfg.DefinitionsDir), zap.Error(err))
		}
	}

	steps := executor.NewRegistry()
	builtinsteps.Register(steps)

	schedOpts := []scheduler.Option{
		scheduler.WithPollInterval(cfg.PollInterval),
		scheduler.WithMaxConcurrentWorkflows(cfg.MaxConcurrentWorkflows),
		scheduler.WithMaxStepConcurrency(cfg.MaxStepConcurrency),
		scheduler.WithLeaseTTL(cfg.LeaseTTL),
		scheduler.WithHeartbeatInterval(cfg.HeartbeatInterval),
	}
	if cfg.PurgeInterval > 0 {
		schedOpts = append(schedOpts, scheduler.WithPurge(cfg.PurgeInterval, cfg.PurgeAge))
	}
	if cfg.NodeID != "" {
		schedOpts = append(schedOpts, scheduler.WithNodeID(cfg.NodeID))
	}
	schedCfg := scheduler.BuildConfig(schedOpts...)

	hostOpts := []scheduler.HostOption{scheduler.WithCoordinator(coord), scheduler.WithLogger(log)}
	switch cfg.EmitDriver {
	case "", "none":
	case "log":
		hostOpts = append(hostOpts, scheduler.WithEmitter(emit.NewLogEmitter(log)))
	default:
		return fmt.Errorf("wfhostd: unknown emit_driver %q", cfg.EmitDriver)
	}

	host := scheduler.NewHost(s, defs, steps, schedCfg, hostOpts...)

	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("wfhostd: start host: %w", err)
	}

	controlOpts := []control.Option{control.WithLogger(log)}
	if len(cfg.CORSAllowedOrigins) > 0 {
		controlOpts = append(controlOpts, control.WithCORS(cfg.CORSAllowedOrigins...))
	}
	srv := control.NewServer(host, controlOpts...)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv}

	errCh := make(chan error, 1)
	go func() {
		log.Info("wfhostd: control API listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("wfhostd: shutting down")
	case err := <-errCh:
		log.Error("wfhostd: control API failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("wfhostd: control API shutdown", zap.Error(err))
	}
	if err := host.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("wfhostd: stop host: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg hostConfig) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory", "":
		s := store.NewMemStore()
		return s, func() {}, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.StoreDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("wfhostd: open sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("wfhostd: open postgres store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("wfhostd: unknown store_driver %q", cfg.StoreDriver)
	}
}

func openCoordinator(ctx context.Context, cfg hostConfig) (coordinator.Coordinator, func(), error) {
	switch cfg.CoordDriver {
	case "noop", "":
		return coordinator.NewNoopCoordinator(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.CoordDSN})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("wfhostd: connect redis coordinator: %w", err)
		}
		return coordinator.NewRedisCoordinator(client), func() { _ = client.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.CoordDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("wfhostd: connect postgres coordinator: %w", err)
		}
		c, err := coordinator.NewDBCoordinator(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("wfhostd: init postgres coordinator: %w", err)
		}
		return c, func() { pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("wfhostd: unknown coordinator_driver %q", cfg.CoordDriver)
	}
}
