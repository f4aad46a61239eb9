package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canvas_collab/internal/collab"
	"canvas_collab/internal/config"
	"canvas_collab/internal/transport"
	"canvas_collab/src"
	"canvas_collab/src/logger"
	"canvas_collab/src/model"
	"canvas_collab/src/storage"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: no .env file loaded: %v\n", err)
	}

	cfg, err := src.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := pflag.NewFlagSet("canvas-collab", pflag.ContinueOnError)
	flags.StringVar(&cfg.ServerConfig.Addr, "addr", cfg.ServerConfig.Addr, "listen address")
	flags.StringVar(&cfg.CollabConfig.ConfigFile, "config", cfg.CollabConfig.ConfigFile, "YAML file overriding collaboration settings")
	flags.StringVar(&cfg.StoreConfig.Backend, "store", cfg.StoreConfig.Backend, "shared store backend (redis, memory)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if cfg.CollabConfig.ConfigFile != "" {
		cfg.CollabConfig, err = config.LoadConfig(cfg.CollabConfig.ConfigFile, cfg.CollabConfig)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", cfg.CollabConfig.ConfigFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.InitLogger(cfg.LogConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.StoreConfig)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close store")
		}
	}()

	manager := collab.NewManager(ctx, store, cfg.CollabConfig, logger.Component("collab"))
	handler := transport.NewHandler(ctx, manager, cfg.ServerConfig, logger.Component("transport"))

	server := &http.Server{
		Addr:              cfg.ServerConfig.Addr,
		Handler:           transport.NewMux(handler, store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.ServerConfig.Addr).
			Str("store", cfg.StoreConfig.Backend).
			Str("channel_prefix", cfg.CollabConfig.ChannelPrefix).
			Msg("collaboration server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}
	// Hijacked sockets close on ctx; listeners stop with it
	stop()
	manager.Wait()
	return err
}

func openStore(ctx context.Context, cfg model.StoreConfig) (storage.Store, error) {
	switch cfg.Backend {
	case model.StoreBackendMemory:
		logger.Warn().Msg("using embedded store; state is not shared across processes")
		store, err := storage.NewEmbeddedStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded store: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return store, nil
	}
}
