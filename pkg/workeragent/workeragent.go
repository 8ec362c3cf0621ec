// Package workeragent is the worker-side HTTP/WS server (C5). It exposes
// the executor over HTTP, serializes per-task requests so a given task_id
// is never acted on concurrently, runs startup reconciliation, and
// heartbeats to the host coordinator. Grounded on the teacher's
// heartbeatLoop/sendHeartbeat shape in pkg/worker/worker.go, re-platformed
// from gRPC onto gorilla/mux + HTTP/JSON per spec.md §6.
package workeragent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cuemby/hakuriver/pkg/executor"
	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/types"
	"github.com/cuemby/hakuriver/pkg/vault"
)

// HostClient is everything the agent needs to talk back to the coordinator.
type HostClient interface {
	Register(ctx context.Context, req types.RegistrationRequest) error
	Heartbeat(ctx context.Context, hb types.Heartbeat) (unknownHost bool, err error)
	ReportStatus(ctx context.Context, update types.StatusUpdate) error
}

// Agent is the worker's HTTP server and background heartbeat loop.
type Agent struct {
	Hostname   string
	SelfURL    string
	Executor   *executor.Executor
	Host       HostClient
	LocalTemp  string
	NodeInfo   func() types.RegistrationRequest

	mu          sync.Mutex
	taskLocks   map[int64]*sync.Mutex
	killedSince []types.KilledTaskReport
	killedMu    sync.Mutex
}

// New wires an Agent; call Router to obtain its http.Handler.
func New(hostname, selfURL string, exec *executor.Executor, host HostClient, localTemp string, nodeInfo func() types.RegistrationRequest) *Agent {
	return &Agent{
		Hostname:  hostname,
		SelfURL:   selfURL,
		Executor:  exec,
		Host:      host,
		LocalTemp: localTemp,
		NodeInfo:  nodeInfo,
		taskLocks: make(map[int64]*sync.Mutex),
	}
}

// lockFor serializes requests with the same task_id, per §4.C5.
func (a *Agent) lockFor(taskID int64) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.taskLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		a.taskLocks[taskID] = l
	}
	return l
}

// Router builds the agent's HTTP handler.
func (a *Agent) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/execute", a.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/vps/create", a.handleVPSCreate).Methods(http.MethodPost)
	r.HandleFunc("/vps/{id:[0-9]+}/stop", a.handleVPSStop).Methods(http.MethodPost)
	r.HandleFunc("/vps/{id:[0-9]+}/pause", a.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/vps/{id:[0-9]+}/resume", a.handleResumeVPS).Methods(http.MethodPost)
	r.HandleFunc("/kill/{id:[0-9]+}", a.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/pause/{id:[0-9]+}", a.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/resume/{id:[0-9]+}", a.handleResumeTask).Methods(http.MethodPost)
	r.HandleFunc("/docker/sync/{env}", a.handleDockerSync).Methods(http.MethodPost)
	r.HandleFunc("/docker/images", a.handleDockerImages).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !dirExists(a.LocalTemp) {
		writeErr(w, http.StatusServiceUnavailable, "local temp dir unavailable")
		return
	}

	var in executor.CommandTaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	lock := a.lockFor(in.TaskID)
	lock.Lock()
	defer lock.Unlock()

	if err := a.Executor.LaunchCommandTask(r.Context(), in); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (a *Agent) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	if !dirExists(a.LocalTemp) {
		writeErr(w, http.StatusServiceUnavailable, "local temp dir unavailable")
		return
	}

	var in executor.VPSLaunchInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	lock := a.lockFor(in.TaskID)
	lock.Lock()
	defer lock.Unlock()

	port, err := a.Executor.LaunchVPS(r.Context(), in)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"ssh_port": port})
}

func taskIDFromPath(r *http.Request) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &id)
	return id, err
}

func (a *Agent) handleKill(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid task id")
		return
	}
	lock := a.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	isVPS := r.URL.Query().Get("vps") == "true"
	if err := a.Executor.Kill(r.Context(), id, isVPS); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (a *Agent) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid task id")
		return
	}
	lock := a.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := a.Executor.Kill(r.Context(), id, true); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *Agent) handlePause(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid task id")
		return
	}
	lock := a.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := a.Executor.Pause(r.Context(), id); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *Agent) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	a.resume(w, r, false)
}

func (a *Agent) handleResumeVPS(w http.ResponseWriter, r *http.Request) {
	a.resume(w, r, true)
}

func (a *Agent) resume(w http.ResponseWriter, r *http.Request, isVPS bool) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid task id")
		return
	}
	lock := a.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := a.Executor.Resume(r.Context(), id, isVPS); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (a *Agent) handleDockerSync(w http.ResponseWriter, r *http.Request) {
	env := mux.Vars(r)["env"]
	if err := a.Executor.EnsureImageFresh(r.Context(), env, a.localImageTimestamp); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (a *Agent) localImageTimestamp(tag string) (int64, bool) {
	// Containerd doesn't expose a plain image-creation timestamp without a
	// round-trip through the image's config blob; the worker tracks its own
	// last-synced timestamp per tag in LocalTemp instead.
	data, err := os.ReadFile(localTagStampPath(a.LocalTemp, tag))
	if err != nil {
		return 0, false
	}
	var ts int64
	if _, err := fmt.Sscanf(string(data), "%d", &ts); err != nil {
		return 0, false
	}
	return ts, true
}

func localTagStampPath(localTemp, tag string) string {
	safe := bytes.ReplaceAll([]byte(tag), []byte("/"), []byte("_"))
	return localTemp + "/.image-stamps-" + string(safe)
}

func (a *Agent) handleDockerImages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"note": "image listing delegates to the runtime adapter"})
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// NoteKilled records a container the executor observed dying out-of-band
// (e.g. OOM) so the next heartbeat reports it, per §4.C5.
func (a *Agent) NoteKilled(taskID int64, reason string) {
	a.killedMu.Lock()
	defer a.killedMu.Unlock()
	a.killedSince = append(a.killedSince, types.KilledTaskReport{TaskID: taskID, Reason: reason})
}

func (a *Agent) drainKilled() []types.KilledTaskReport {
	a.killedMu.Lock()
	defer a.killedMu.Unlock()
	out := a.killedSince
	a.killedSince = nil
	return out
}

// RunHeartbeatLoop sends a heartbeat every interval until ctx is cancelled,
// re-registering whenever the host reports the hostname as unknown.
func (a *Agent) RunHeartbeatLoop(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("workeragent")
	if err := a.Host.Register(ctx, a.NodeInfo()); err != nil {
		logger.Error().Err(err).Msg("initial registration failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx, logger)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context, logger zerolog.Logger) {
	cpuPercent, memPercent, memUsed, memTotal := sampleResourceUsage()

	hb := types.Heartbeat{
		Hostname:         a.Hostname,
		RunningTaskIDs:   a.runningTaskIDs(),
		KilledTasks:      a.drainKilled(),
		CPUPercent:       cpuPercent,
		MemoryPercent:    memPercent,
		MemoryUsedBytes:  memUsed,
		MemoryTotalBytes: memTotal,
	}

	unknownHost, err := a.Host.Heartbeat(ctx, hb)
	if err != nil {
		logger.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	if unknownHost {
		logger.Info().Msg("host does not recognize this node, re-registering")
		if err := a.Host.Register(ctx, a.NodeInfo()); err != nil {
			logger.Error().Err(err).Msg("re-registration failed")
		}
	}
}

// runningTaskIDs reports every task_id the worker's vault believes is
// live, across both running command tasks and VPS sessions.
func (a *Agent) runningTaskIDs() []int64 {
	var ids []int64
	for _, c := range []vault.Collection{vault.RunningTasks, vault.VPSSessions} {
		records, err := a.Executor.Vault.List(c)
		if err != nil {
			continue
		}
		for _, r := range records {
			ids = append(ids, r.TaskID)
		}
	}
	return ids
}

// RunReconciliationOnStartup runs the executor's startup reconciliation.
func (a *Agent) RunReconciliationOnStartup(ctx context.Context) error {
	return a.Executor.ReconcileOnStartup(ctx)
}

func sampleResourceUsage() (cpuPercent, memPercent float64, memUsed, memTotal int64) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
		memUsed = int64(vm.Used)
		memTotal = int64(vm.Total)
	}
	return
}
