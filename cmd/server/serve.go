package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mcpa2a/a2aserver"
	"mcpa2a/agent"
	"mcpa2a/config"
	"mcpa2a/events"
	"mcpa2a/grpcserver"
	loggerv2 "mcpa2a/logger/v2"
	"mcpa2a/taskmanager"
	"mcpa2a/taskstore"
)

var parentPID int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the task protocol over HTTP and gRPC",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd, map[string]string{
			"server.http_addr":   "http",
			"server.grpc_addr":   "grpc",
			"server.grpc_socket": "grpc-socket",
			"store.driver":       "store",
			"store.path":         "store-path",
			"agent.script":       "script",
		})
		if err != nil {
			return err
		}
		defer logger.Close()
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("http", "", "HTTP listen address for JSON-RPC and the agent card")
	f.String("grpc", "", "gRPC TCP listen address")
	f.String("grpc-socket", "", "gRPC unix socket path (wins over --grpc)")
	f.String("store", "", "task store driver (memory, sqlite)")
	f.String("store-path", "", "sqlite database path")
	f.String("script", "", "scenario file for the scripted model")
	f.IntVar(&parentPID, "parent-pid", 0, "parent process ID to monitor (exit when parent dies)")
}

func openStore(cfg *config.Config, logger loggerv2.Logger) (taskstore.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return taskstore.NewSQLiteStore(cfg.Store.Path, logger)
	default:
		return taskstore.NewMemoryStore(), nil
	}
}

func serve(ctx context.Context, cfg *config.Config, logger loggerv2.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if parentPID > 0 {
		go watchParent(ctx, parentPID, cancel, logger)
	}

	script, err := agent.LoadScript(cfg.Agent.Script)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close task store", loggerv2.Error(err))
		}
	}()

	// tool servers are shut down on every path out of serve
	tools, err := connectTools(ctx, cfg, logger)
	defer tools.Close()
	if err != nil {
		return err
	}

	runner := agent.NewRunner(agent.NewScriptedModel(script), tools.catalog, agent.Options{
		MaxTurns: cfg.Agent.MaxTurns,
		Logger:   logger,
	})
	emitter := events.NewEmitter()
	emitter.AddObserver(events.LogObserver(logger))
	manager := taskmanager.New(store, runner, taskmanager.Options{Logger: logger, Emitter: emitter})

	card := a2aserver.BuildCard(a2aserver.CardInfo{
		Name:        cfg.Agent.Name,
		Description: cfg.Agent.Description,
		URL:         cfg.CardURL(),
		Version:     cfg.Agent.Version,
	}, tools.catalog.Entries())

	errs := make(chan error, 2)
	var (
		httpServer *a2aserver.Server
		grpcServer *grpcserver.Server
	)
	if cfg.Server.HTTPAddr != "" {
		httpServer = a2aserver.New(a2aserver.Config{Addr: cfg.Server.HTTPAddr, Card: card, Logger: logger}, manager)
		go func() { errs <- httpServer.ListenAndServe() }()
	}
	if cfg.Server.GRPCAddr != "" || cfg.Server.GRPCSocket != "" {
		grpcServer = grpcserver.NewServer(grpcserver.Config{
			Addr:       cfg.Server.GRPCAddr,
			SocketPath: cfg.Server.GRPCSocket,
			Logger:     logger,
		}, manager)
		go func() { errs <- grpcServer.Start() }()
	}

	logger.Info("mcpa2a server started",
		loggerv2.String("http", cfg.Server.HTTPAddr),
		loggerv2.String("grpc", cfg.Server.GRPCAddr),
		loggerv2.String("grpc_socket", cfg.Server.GRPCSocket),
		loggerv2.String("store", cfg.Store.Driver),
		loggerv2.Int("tools", len(card.Skills)))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errs:
		if serveErr != nil {
			logger.Error("Server error", serveErr)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	var listeners []listener
	if httpServer != nil {
		listeners = append(listeners, listener{"HTTP", httpServer})
	}
	if grpcServer != nil {
		listeners = append(listeners, listener{"gRPC", grpcServer})
	}
	stopServing(shutdownCtx, logger, manager, listeners...)

	logger.Info("Server stopped")
	return serveErr
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type listener struct {
	name   string
	server shutdowner
}

// stopServing cancels running tasks before closing the listeners, so every
// open subscription receives its final event and its handler returns.
func stopServing(ctx context.Context, logger loggerv2.Logger, manager shutdowner, listeners ...listener) {
	if err := manager.Shutdown(ctx); err != nil {
		logger.Warn("Task manager shutdown error", loggerv2.Error(err))
	}
	for _, l := range listeners {
		if err := l.server.Shutdown(ctx); err != nil {
			logger.Warn(l.name+" shutdown error", loggerv2.Error(err))
		}
	}
}

// watchParent cancels the server once the parent process is gone.
func watchParent(ctx context.Context, pid int, cancel context.CancelFunc, logger loggerv2.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		proc, err := os.FindProcess(pid)
		if err == nil {
			// signal 0 only checks that the process exists
			err = proc.Signal(syscall.Signal(0))
		}
		if err != nil {
			logger.Info("Parent process died, shutting down", loggerv2.Int("parent_pid", pid))
			cancel()
			return
		}
	}
}
