package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/cuemby/hakuriver/pkg/config"
	"github.com/cuemby/hakuriver/pkg/executor"
	"github.com/cuemby/hakuriver/pkg/imagestore"
	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/runtime"
	"github.com/cuemby/hakuriver/pkg/sshmux"
	"github.com/cuemby/hakuriver/pkg/termproxy"
	"github.com/cuemby/hakuriver/pkg/types"
	"github.com/cuemby/hakuriver/pkg/vault"
	"github.com/cuemby/hakuriver/pkg/workeragent"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a HakuRiver worker agent",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().String("hostname", "", "This worker's registration hostname (defaults to os.Hostname())")
	workerCmd.Flags().String("self-url", "", "This worker's own reachable base URL (required)")
	workerCmd.Flags().String("host-url", "", "Coordinator's base URL (required)")
	workerCmd.Flags().String("host-sshmux-addr", "", "Coordinator's worker-registration address for the SSH multiplex proxy (required)")
	workerCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("worker")

	configPath, _ := cmd.Flags().GetString("config")
	hostname, _ := cmd.Flags().GetString("hostname")
	selfURL, _ := cmd.Flags().GetString("self-url")
	hostURL, _ := cmd.Flags().GetString("host-url")
	hostSSHMuxAddr, _ := cmd.Flags().GetString("host-sshmux-addr")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")

	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
		hostname = h
	}
	if selfURL == "" || hostURL == "" || hostSSHMuxAddr == "" {
		return fmt.Errorf("--self-url, --host-url and --host-sshmux-addr are required")
	}

	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load worker config: %w", err)
	}

	v, err := vault.Open(cfg.Paths.ContainerDir)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer v.Close()

	rt, err := runtime.New(containerdSocket)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer rt.Close()

	images := imagestore.New(filepath.Join(cfg.Paths.SharedDir, "images"))
	host := workeragent.NewHostHTTPClient(hostURL, 30*time.Second)

	exec := executor.New(rt, v, images, host, cfg.Paths.SharedDir, cfg.Paths.LocalTempDir)

	agent := workeragent.New(hostname, selfURL, exec, host, cfg.Paths.LocalTempDir, func() types.RegistrationRequest {
		return discoverRegistration(hostname, selfURL)
	})

	termHandler := &termproxy.WorkerHandler{RT: rt, Vault: v}

	mux := http.NewServeMux()
	mux.Handle("/", agent.Router())
	mux.Handle("/task/", termHandler.Router())

	addr := fmt.Sprintf("%s:%d", cfg.Network.RunnerBindIP, cfg.Network.RunnerPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.RunReconciliationOnStartup(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation reported errors")
	}

	sshConn, err := sshmux.Dial(ctx, hostSSHMuxAddr, v, hostname)
	if err != nil {
		return fmt.Errorf("dial host ssh-mux proxy: %w", err)
	}
	go func() {
		if err := sshConn.Run(ctx); err != nil {
			logger.Warn().Err(err).Msg("ssh-mux connection to host ended")
		}
	}()

	heartbeatInterval := time.Duration(cfg.Timing.HeartbeatIntervalSeconds) * time.Second
	go agent.RunHeartbeatLoop(ctx, heartbeatInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("hostname", hostname).Msg("worker agent listening")
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
		logger.Error().Err(err).Msg("worker server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}

// discoverRegistration builds this worker's registration payload from the
// running host's CPU/memory totals. NUMA topology and GPU inventory are left
// empty: detecting them needs platform-specific probing (numactl/nvidia-smi
// parsing) that the pack carries no library for. With an empty topology the
// scheduler rejects any target that names a NUMA node on this worker.
func discoverRegistration(hostname, selfURL string) types.RegistrationRequest {
	cores, err := cpu.Counts(true)
	if err != nil || cores == 0 {
		cores = 1
	}

	var totalRAM int64
	if vm, err := mem.VirtualMemory(); err == nil {
		totalRAM = int64(vm.Total)
	}

	return types.RegistrationRequest{
		Hostname:      hostname,
		URL:           selfURL,
		TotalCores:    cores,
		TotalRAMBytes: totalRAM,
		NumaTopology:  map[int]*types.NumaNode{},
		GPUInfo:       nil,
	}
}
