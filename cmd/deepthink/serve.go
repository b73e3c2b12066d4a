package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qing1huan/DeepThink/internal/bot"
	"github.com/qing1huan/DeepThink/internal/branch"
	"github.com/qing1huan/DeepThink/internal/chat"
	"github.com/qing1huan/DeepThink/internal/server"
	"github.com/qing1huan/DeepThink/internal/snapshot"
	"github.com/qing1huan/DeepThink/internal/storage"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when configured, the Telegram bot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	store, err := storage.New(ctx, storage.DatabaseConfig{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		Path:     cfg.Database.Path,
	}, logger)
	if err != nil {
		return errors.Wrap(err, "failed to initialize storage")
	}
	logger.Info("Storage ready", zap.String("driver", cfg.Database.Driver))
	persister := storage.NewPersister(store, logger)

	client := newUpstream()
	engine := chat.NewEngine(client, logger, chat.WithTitler(client), chat.WithPersistence(persister))
	creator := branch.NewCreator(engine, persister, logger)

	spaces := workspace.NewManager(cfg.Chat.Welcome, logger)
	if _, err := snapshot.Restore(cfg.Snapshot.Path, spaces, logger); err != nil {
		logger.Warn("Continuing without snapshot", zap.Error(err))
	}

	var tg *bot.Bot
	if cfg.Telegram.Token != "" {
		if tg, err = bot.New(cfg.Telegram.Token, cfg.Telegram.ChatID, spaces, engine, creator, logger); err != nil {
			_ = persister.Close(ctx)
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(spaces, engine, creator, client, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return stopServing(shutdownCtx, srv, engine)
	})
	if tg != nil {
		g.Go(func() error { return tg.Start(gctx) })
	}
	if cfg.Snapshot.Interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Snapshot.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					saveSnapshot(spaces)
				}
			}
		})
	}

	runErr := g.Wait()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	saveSnapshot(spaces)
	if err := persister.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close storage", zap.Error(err))
	}
	return runErr
}

// stopServing cancels every stream, then drains the HTTP server.
func stopServing(ctx context.Context, srv *http.Server, engine *chat.Engine) error {
	if err := engine.Shutdown(ctx); err != nil {
		logger.Warn("Streams still running at shutdown", zap.Error(err))
	}
	return srv.Shutdown(ctx)
}

func saveSnapshot(spaces *workspace.Manager) {
	if cfg.Snapshot.Path == "" {
		return
	}
	if err := snapshot.Save(cfg.Snapshot.Path, snapshot.Capture(spaces)); err != nil {
		logger.Error("Failed to save snapshot", zap.Error(err), zap.String("path", cfg.Snapshot.Path))
		return
	}
	logger.Debug("Snapshot saved", zap.String("path", cfg.Snapshot.Path))
}
