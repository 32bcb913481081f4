// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianTasks/pkg/logging"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator"
	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/mcpserver"
	"github.com/AleutianAI/AleutianTasks/services/tasks/memstore"
	"github.com/AleutianAI/AleutianTasks/services/tasks/pgstore"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// DefaultToolServerPort is where `taskbridge mcp` listens.
const DefaultToolServerPort = 8001

type rootFlags struct {
	configPath string
	logDir     string
	logFormat  string
}

type mcpFlags struct {
	port  int
	host  string
	stdio bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:          "taskbridge",
		Short:        "Conversational task assistant with a tool-calling bridge",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "",
		"YAML config file; environment variables override it")
	rootCmd.PersistentFlags().StringVar(&flags.logDir, "log-dir", "",
		"directory for daily JSON log files")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "",
		"console log format: text or json (default: auto)")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newMCPCmd(flags),
		newMigrateCmd(flags),
	)
	return rootCmd
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API",
		Long: `Serve the chat API on API_HOST:API_PORT.

With MOUNT_MCP_SERVER=true (the default) the task tools run in process and
are also published over MCP at /mcp. With MOUNT_MCP_SERVER=false every tool
call goes to the tool server at MCP_SERVER_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(flags, "taskbridge")
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			svc, err := orchestrator.New(cfg, nil, orchestrator.WithLogger(logger.Slog()))
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}
}

func newMCPCmd(flags *rootFlags) *cobra.Command {
	mflags := &mcpFlags{}
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the standalone task tool server",
		Long: `Publish the task tools over MCP.

By default the server speaks streamable HTTP at /mcp with a health document
at /. With --stdio it speaks MCP over stdin/stdout for local agents.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(flags, "taskbridge-mcp")
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			store, closeStore, err := openTaskStore(ctx, cfg, logger.Slog())
			if err != nil {
				return err
			}
			defer closeStore()

			svc := tasks.NewService(store, tasks.WithLogger(logger.With("component", "tasks")))
			server := mcpserver.New(tools.NewTaskRegistry(svc), mcpserver.Config{
				Version: orchestrator.Version,
				Logger:  logger.Slog(),
			})

			if mflags.stdio {
				logger.Slog().Info("Serving task tools over stdio")
				return server.RunStdio(ctx)
			}
			return serveHTTP(ctx, fmt.Sprintf("%s:%d", mflags.host, mflags.port), server.StandaloneRouter(), logger.Slog())
		},
	}
	cmd.Flags().IntVar(&mflags.port, "port", DefaultToolServerPort, "HTTP port")
	cmd.Flags().StringVar(&mflags.host, "host", "", "HTTP host")
	cmd.Flags().BoolVar(&mflags.stdio, "stdio", false, "speak MCP over stdin/stdout instead of HTTP")
	return cmd
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tasks table and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(flags, "taskbridge-migrate")
			if err != nil {
				return err
			}
			defer logger.Close()

			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			store, err := pgstore.Open(ctx, poolConfig(cfg, logger.Slog()))
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			logger.Slog().Info("Migration complete")
			return nil
		},
	}
}

// setup loads the configuration and builds the process logger.
func setup(flags *rootFlags, service string) (orchestrator.Config, *logging.Logger, error) {
	cfg, err := orchestrator.LoadConfig(flags.configPath)
	if err != nil {
		return orchestrator.Config{}, nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return orchestrator.Config{}, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  flags.logDir,
		Service: service,
		Format:  logging.Format(flags.logFormat),
	})
	slog.SetDefault(logger.Slog())
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func poolConfig(cfg orchestrator.Config, logger *slog.Logger) pgstore.Config {
	pg := pgstore.DefaultConfig(cfg.DatabaseURL)
	pg.PoolSize = cfg.DBPoolSize
	pg.MaxOverflow = cfg.DBPoolMaxOverflow
	pg.Logger = logger
	return pg
}

// openTaskStore opens Postgres when DATABASE_URL is set and an in-memory
// store otherwise.
func openTaskStore(ctx context.Context, cfg orchestrator.Config, logger *slog.Logger) (tasks.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, tasks are kept in memory")
		return memstore.New(), func() {}, nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	store, err := pgstore.Open(openCtx, poolConfig(cfg, logger))
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(openCtx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

// serveHTTP runs handler on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Serving task tools", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("tool server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
