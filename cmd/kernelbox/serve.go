package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/config"
	"github.com/michaelbrown/kernelbox/internal/kernel"
	"github.com/michaelbrown/kernelbox/internal/logging"
	"github.com/michaelbrown/kernelbox/internal/sandbox"
	"github.com/michaelbrown/kernelbox/internal/server"
	"github.com/michaelbrown/kernelbox/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kernel server",
	Long: `Start the kernel HTTP server. The server answers immediately with status
"starting" while the first kernel container comes up; kernel creation is
retried until it succeeds.

Examples:
  kernelbox serve
  kernelbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Open journal
	journal, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	// Shared by the kernel driver's side channel and the HTTP tool routes.
	tools := kernel.NewTools(callbacks.NewBuffer(cfg.Callbacks.RecordLimit), journal, log)

	engine, err := sandbox.NewDockerEngine(sandbox.PolicyFromConfig(cfg.Sandbox), tools, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := engine.RemoveOrphans(ctx); err != nil {
		log.Warn("removing orphan kernel containers", zap.Error(err))
	} else if n > 0 {
		log.Info("removed orphan kernel containers", zap.Int("count", n))
	}

	manager := kernel.NewManager(engine, kernel.Options{
		StartupTimeout: cfg.Kernel.StartupTimeout,
		RetryBackoff:   cfg.Kernel.RetryBackoff,
		Journal:        journal,
		Logger:         log,
	})
	go func() {
		if err := manager.EnsureSession(ctx); err != nil {
			log.Info("kernel startup abandoned", zap.Error(err))
		}
	}()

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, manager, tools, log)

	// Graceful shutdown on SIGINT/SIGTERM
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
	}()

	serveErr := srv.Start(port)
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		log.Warn("shutting down kernel", zap.Error(err))
	}
	return serveErr
}
