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
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/astromechza/inheritsync/pkg/config"
	"github.com/astromechza/inheritsync/pkg/engine"
	restoresignal "github.com/astromechza/inheritsync/pkg/signal"
	"github.com/astromechza/inheritsync/pkg/store"
	"github.com/astromechza/inheritsync/pkg/store/memory"
	"github.com/astromechza/inheritsync/pkg/store/postgres"
	"github.com/astromechza/inheritsync/pkg/store/sqlite"
	"github.com/astromechza/inheritsync/pkg/viz"
	"github.com/astromechza/inheritsync/pkg/wsync"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var configPath, addr, storeDriver, storeDSN, redisAddr, dumpDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve editor connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("store") {
				cfg.Store.Driver = storeDriver
			}
			if flags.Changed("dsn") {
				cfg.Store.DSN = storeDSN
			}
			if flags.Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if flags.Changed("dump-dir") {
				cfg.DumpDir = dumpDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			slog.SetDefault(cfg.Log.Logger())
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a yaml config file")
	cmd.Flags().StringVar(&addr, "addr", "", "the address to listen on")
	cmd.Flags().StringVar(&storeDriver, "store", "", "backing store: memory, sqlite or postgres")
	cmd.Flags().StringVar(&storeDSN, "dsn", "", "backing store data source name")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address for restore broadcasts")
	cmd.Flags().StringVar(&dumpDir, "dump-dir", "", "directory to dump field histories into on shutdown")
	return cmd
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), func() error { return nil }, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func serve(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening store", "driver", cfg.Store.Driver)
	s, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("failed to close store", "err", err)
		}
	}()

	e := engine.New(s,
		engine.WithCacheTTL(cfg.CacheTTL),
		engine.WithStoreTimeout(cfg.StoreTimeout),
	)

	var serverOpts []wsync.Option
	var broadcasts *restoresignal.Redis
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		broadcasts = restoresignal.NewRedis(client, cfg.Redis.Channel)
		serverOpts = append(serverOpts, wsync.WithBroadcaster(broadcasts))
	}
	serverOpts = append(serverOpts, wsync.WithLoadTimeout(cfg.LoadTimeout))
	srv := wsync.NewServer(e, serverOpts...)

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.RunPersistence(ctx, cfg.PersistInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Cache().Run(ctx, cfg.CacheTTL)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.RunMaintenance(ctx, cfg.StatsInterval)
	}()

	if broadcasts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := broadcasts.Subscribe(ctx, srv.ApplyRestore); err != nil {
				slog.Error("restore broadcasts stopped", "err", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:        cfg.Addr,
		Handler:     srv.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer flushCancel()
	e.Close(flushCtx)
	slog.Info("flushed", "dirty", e.Stats().Dirty)

	if cfg.DumpDir != "" {
		dumpAll(e, cfg.DumpDir)
	}
	return nil
}

func dumpAll(e *engine.Engine, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create dump dir", "dir", dir, "err", err)
		return
	}
	for _, id := range e.Registry().IDs() {
		rep, ok := e.Registry().Lookup(id)
		if !ok {
			continue
		}
		doc, err := rep.Fork()
		if err != nil {
			slog.Error("failed to dump", "field", id, "err", err)
			continue
		}
		docPath, svgPath, err := viz.Dump(dir, id.String(), doc)
		if err != nil {
			slog.Error("failed to dump", "field", id, "err", err)
			continue
		}
		slog.Info("dumped", "field", id, "path", docPath, "svg", "file://"+svgPath)
	}
}
