package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gridctl/imagectl/internal/api"
	"github.com/gridctl/imagectl/pkg/config"
	"github.com/gridctl/imagectl/pkg/executor"
	"github.com/gridctl/imagectl/pkg/output"
	"github.com/gridctl/imagectl/pkg/reload"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	agentListen  string
	agentLogFile string
	agentWatch   bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve engine calls for remote runs",
	Long: `Starts the imagectl agent. Runs started with 'imagectl run --agent' open a
session here and their build, push and cleanup calls execute against the
engine hosts this agent can reach.

In the default inventory mode a run may only target endpoints listed in
this agent's configuration, and the agent's TLS material is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd)
	},
}

func init() {
	agentCmd.Flags().StringVarP(&agentListen, "listen", "l", "", "Listen address (default: agent.listen)")
	agentCmd.Flags().StringVar(&agentLogFile, "log-file", "", "Rotated log file (default: agent.log_file)")
	agentCmd.Flags().BoolVarP(&agentWatch, "watch", "w", false, "Watch the configuration file and apply inventory changes")
}

func runAgent(cmd *cobra.Command) error {
	path, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	configPath = path

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	listen := agentListen
	if listen == "" {
		listen = cfg.Agent.Listen
	}
	logFile := agentLogFile
	if logFile == "" {
		logFile = cfg.Agent.LogFile
	}

	var logOut io.Writer = os.Stderr
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer rotator.Close()
		logOut = io.MultiWriter(os.Stderr, rotator)
	}
	logger := newLogger("agent", logOut)
	printer := output.NewWithWriter(cmd.OutOrStdout())
	printer.Banner(version)

	local := executor.NewLocal()
	local.SetLogger(logger)

	token := cfg.Agent.Token
	if token == "" {
		token = os.Getenv("IMAGECTL_AGENT_TOKEN")
	}
	if token == "" {
		printer.Warn("No agent token configured; every request is accepted")
	}

	policy := api.NewEndpointPolicy(cfg.Agent.Endpoints, cfg.Inventory())

	server := api.NewServer(local)
	server.SetLogger(logger)
	server.SetAuth(cfg.Agent.AuthType, token, cfg.Agent.Header)
	server.SetPolicy(policy)

	reloadHandler := reload.NewHandler(configPath, cfg, func(next *config.Config) error {
		policy.Update(next.Agent.Endpoints, next.Inventory())
		return nil
	})
	reloadHandler.SetLogger(logger)
	server.SetReloadHandler(reloadHandler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if agentWatch {
		watcher := reload.NewWatcher(reloadHandler.WatchPaths, func() error {
			result, err := reloadHandler.Reload(ctx)
			if err != nil {
				return err
			}
			if !result.Success {
				return errors.New(result.Message)
			}
			logger.Info("configuration reloaded", "message", result.Message,
				"added", result.Added, "removed", result.Removed, "modified", result.Modified)
			return nil
		})
		watcher.SetLogger(logger)
		go func() {
			if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	printer.Info("Agent listening", "addr", listen, "endpoints", cfg.Agent.Endpoints, "watch", agentWatch)

	select {
	case err := <-serverErr:
		return fmt.Errorf("failed to start agent on %s: %w", listen, err)
	case <-ctx.Done():
	}

	printer.Info("Shutting down agent")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	server.Shutdown()
	return err
}
