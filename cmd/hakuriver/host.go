package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/cuemby/hakuriver/pkg/config"
	"github.com/cuemby/hakuriver/pkg/coordinator"
	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/scheduler"
	"github.com/cuemby/hakuriver/pkg/snowflake"
	"github.com/cuemby/hakuriver/pkg/sshmux"
	"github.com/cuemby/hakuriver/pkg/taskstore"
	"github.com/cuemby/hakuriver/pkg/termproxy"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the HakuRiver host coordinator",
	RunE:  runHost,
}

func init() {
	hostCmd.Flags().Int64("node-id", 1, "Snowflake node ID for this host's task IDs (0-1023)")
}

func runHost(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("host")

	configPath, _ := cmd.Flags().GetString("config")
	nodeID, _ := cmd.Flags().GetInt64("node-id")

	cfg, err := config.LoadHostConfig(configPath)
	if err != nil {
		return fmt.Errorf("load host config: %w", err)
	}

	store, err := taskstore.Open(cfg.Paths.DBFile)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	ids, err := snowflake.NewGenerator(nodeID)
	if err != nil {
		return fmt.Errorf("create snowflake generator: %w", err)
	}

	workerClient := coordinator.NewWorkerClient(30 * time.Second)

	heartbeatInterval := time.Duration(cfg.Timing.HeartbeatIntervalSeconds) * time.Second
	cleanupInterval := time.Duration(cfg.Timing.CleanupCheckIntervalSeconds) * time.Second

	coord := coordinator.New(store, nil, workerClient, heartbeatInterval, cfg.Timing.HeartbeatTimeoutFactor, cleanupInterval)
	sched := scheduler.New(store, ids, coord, cfg.Paths.SharedDir)
	coord.SetScheduler(sched)

	hostProxy := &termproxy.HostProxy{Store: store}

	resolver := &coordinator.SSHResolver{Store: store}
	sshProxy := sshmux.NewProxyServer(resolver)
	coord.SetSSHProxy(sshProxy)

	// The terminal WebSocket upgrade needs its own handler ahead of the
	// coordinator's router — both match under /task/{id}/..., and gorilla/mux
	// tries routes in registration order, so the more specific path wins.
	router := mux.NewRouter()
	router.Handle("/task/{id:[0-9]+}/terminal", hostProxy.Router())
	router.PathPrefix("/").Handler(coord.Router())

	addr := fmt.Sprintf("%s:%d", cfg.Network.HostBindIP, cfg.Network.HostPort)
	httpServer := &http.Server{Addr: addr, Handler: router}

	workerRegAddr := fmt.Sprintf("%s:%d", cfg.Network.HostBindIP, cfg.Network.HostSSHProxyPort)
	workerLn, err := net.Listen("tcp", workerRegAddr)
	if err != nil {
		return fmt.Errorf("listen for worker ssh-mux registrations on %s: %w", workerRegAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sshProxy.AcceptWorkers(ctx, workerLn)

	coord.Start()
	defer coord.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("host coordinator listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("host server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = workerLn.Close()

	return nil
}
