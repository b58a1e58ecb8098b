package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astromechza/roomsync/pkg/auth"
	"github.com/astromechza/roomsync/pkg/config"
	"github.com/astromechza/roomsync/pkg/logging"
	"github.com/astromechza/roomsync/pkg/registry"
	"github.com/astromechza/roomsync/pkg/replica"
	"github.com/astromechza/roomsync/pkg/server"
	"github.com/astromechza/roomsync/pkg/session"
	"github.com/astromechza/roomsync/pkg/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "Real-time sync server for documents, presence and task/calendar notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return mainInner(cfg)
		},
	}

	d := config.Default()
	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("addr", d.Server.Addr, "the address to listen on")
	flags.String("store-driver", d.Store.Driver, "document store: sqlite or memory")
	flags.String("store-path", d.Store.Path, "sqlite database path")
	flags.String("log-level", d.Logging.Level, "log level: debug, info, warn or error")
	flags.String("log-format", d.Logging.Format, "log format: text or json")
	for key, flag := range map[string]string{
		"server.addr":    "addr",
		"store.driver":   "store-driver",
		"store.path":     "store-path",
		"logging.level":  "log-level",
		"logging.format": "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func openStore(cfg config.StoreConfig) (store.Interface, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.OpenSQLite(cfg.Path)
	}
}

func identifier(cfg config.AuthConfig) auth.Identifier {
	if cfg.Mode == "token" {
		return auth.TokenIdentifier{Tokens: cfg.Tokens}
	}
	return auth.HeaderIdentifier{Header: cfg.Header}
}

func mainInner(cfg *config.Config) error {
	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("Opening document store", "driver", cfg.Store.Driver, "path", cfg.Store.Path)
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	policy := replica.DefaultFlushPolicy
	policy.Interval = cfg.Replica.FlushInterval
	policy.EveryVersions = cfg.Replica.FlushEveryVersions
	policy.Attempts = cfg.Replica.FlushAttempts
	policy.EvictTimeout = cfg.Replica.EvictTimeout
	docs := replica.NewManager(st, policy, logger.With("component", "replica"))

	srv := server.New(identifier(cfg.Auth), docs, st, server.Options{
		Session: session.Options{
			QueueSize:    cfg.Session.QueueSize,
			WriteTimeout: cfg.Session.WriteTimeout,
			RateLimit:    cfg.Session.RateLimit,
			RateBurst:    cfg.Session.RateBurst,
		},
		Registry: registry.Options{SendTimeout: cfg.Session.SendTimeout},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		docs.Run(ctx)
	}()

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}
	listenErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- fmt.Errorf("server listen failed: %w", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case runErr = <-listenErr:
	}
	cancel()
	_ = httpServer.Close()
	srv.Close()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := docs.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to flush documents on shutdown", "err", err)
		runErr = errors.Join(runErr, err)
	} else {
		slog.Info("Flushed all documents")
	}
	return runErr
}
