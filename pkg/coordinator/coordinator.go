// Package coordinator is the host process (C8): it accepts registrations
// and heartbeats from workers, serves /submit through pkg/scheduler, tracks
// task status updates, and runs the dead-runner detection loop. The ticking
// loop is grounded on the teacher's pkg/reconciler.Reconciler; the
// heartbeat-triggered reconciliation path it shares transition helpers with
// is new, since spec.md reconciles both periodically and on every heartbeat.
package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/hakuriver/pkg/apierrors"
	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/metrics"
	"github.com/cuemby/hakuriver/pkg/scheduler"
	"github.com/cuemby/hakuriver/pkg/taskstore"
	"github.com/cuemby/hakuriver/pkg/types"
)

// VPSListener opens the host-side client-facing SSH listener for a newly
// running VPS task. pkg/sshmux.ProxyServer implements this.
type VPSListener interface {
	ServeVPS(ctx context.Context, taskID int64) error
}

// Coordinator is the host's HTTP server plus its background
// dead-runner-detection loop.
type Coordinator struct {
	store      *taskstore.Store
	scheduler  *scheduler.Scheduler
	worker     *WorkerClient
	sshProxy   VPSListener
	logger     zerolog.Logger
	mu         sync.Mutex
	stopCh     chan struct{}

	heartbeatInterval time.Duration
	timeoutFactor     int
	cleanupInterval   time.Duration
}

// New wires a Coordinator. scheduler must dispatch through the same
// WorkerClient passed here so DispatchCommand/DispatchVPS agree with
// /heartbeat's view of what's outstanding.
func New(store *taskstore.Store, sched *scheduler.Scheduler, worker *WorkerClient, heartbeatInterval time.Duration, timeoutFactor int, cleanupInterval time.Duration) *Coordinator {
	return &Coordinator{
		store:             store,
		scheduler:         sched,
		worker:            worker,
		logger:            log.WithComponent("coordinator"),
		stopCh:            make(chan struct{}),
		heartbeatInterval: heartbeatInterval,
		timeoutFactor:     timeoutFactor,
		cleanupInterval:   cleanupInterval,
	}
}

// SetScheduler wires the scheduler post-construction, breaking the
// Coordinator↔Scheduler construction cycle: Scheduler needs a Dispatcher
// (this Coordinator) and Coordinator needs a *scheduler.Scheduler for
// /submit, so callers build Coordinator with a nil scheduler first, build
// the Scheduler around it, then call this.
func (c *Coordinator) SetScheduler(sched *scheduler.Scheduler) {
	c.scheduler = sched
}

// SetSSHProxy wires the host-side SSH multiplex listener, opened for every
// VPS task as soon as it starts running.
func (c *Coordinator) SetSSHProxy(p VPSListener) {
	c.sshProxy = p
}

func (c *Coordinator) openVPSListener(ctx context.Context, taskID int64) {
	if c.sshProxy == nil {
		return
	}
	if err := c.sshProxy.ServeVPS(ctx, taskID); err != nil {
		c.logger.Warn().Err(err).Int64("task_id", taskID).Msg("failed to open ssh-mux listener for VPS")
	}
}

// Router builds the coordinator's HTTP handler.
func (c *Coordinator) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/register", c.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat/{host}", c.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/submit", c.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/vps/create", c.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/update", c.handleUpdate).Methods(http.MethodPost)
	r.HandleFunc("/status/{id:[0-9]+}", c.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks", c.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/kill/{id:[0-9]+}", c.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/command/{id:[0-9]+}/pause", c.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/command/{id:[0-9]+}/resume", c.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/task/{id:[0-9]+}/stdout", c.handleTaskStdout).Methods(http.MethodGet)
	r.HandleFunc("/task/{id:[0-9]+}/stderr", c.handleTaskStderr).Methods(http.MethodGet)
	r.HandleFunc("/vps/status", c.handleVPSStatus).Methods(http.MethodGet)
	r.HandleFunc("/vps/stop/{id:[0-9]+}", c.handleVPSStop).Methods(http.MethodPost)
	r.HandleFunc("/nodes", c.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/health", c.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Start launches the dead-runner detection loop in the background.
func (c *Coordinator) Start() {
	go c.runDeadRunnerLoop()
}

// Stop ends the dead-runner detection loop.
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, err error) {
	writeJSON(w, apierrors.StatusOf(err), map[string]string{"error": err.Error()})
}

// handleRegister implements §4.C8.1: upsert the node, mark it online, and
// stamp last_heartbeat so it doesn't look immediately stale.
func (c *Coordinator) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	node := &types.Node{
		Hostname:         req.Hostname,
		URL:              req.URL,
		TotalCores:       req.TotalCores,
		MemoryTotalBytes: req.TotalRAMBytes,
		NumaTopology:     req.NumaTopology,
		GPUInfo:          req.GPUInfo,
		Status:           types.NodeStatusOnline,
		LastHeartbeat:    time.Now().UTC(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := c.store.UpsertNode(r.Context(), node); err != nil {
		writeAPIError(w, err)
		return
	}
	c.logger.Info().Str("hostname", req.Hostname).Msg("node registered")
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// handleHeartbeat implements §4.C8.2: 404 on an unknown host so the worker
// re-registers, metric refresh, offline→online recovery, killed_tasks
// terminal-status application, and assigning-task suspicion-counter
// escalation against the reported running_task_ids.
func (c *Coordinator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	var hb types.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	node, err := c.store.GetNode(r.Context(), host)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if node == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown host, please register"})
		return
	}

	wasOffline := node.Status == types.NodeStatusOffline
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = time.Now().UTC()
	node.CPUPercent = hb.CPUPercent
	node.MemoryPercent = hb.MemoryPercent
	node.MemoryUsedBytes = hb.MemoryUsedBytes
	node.CurrentAvgTempC = hb.CurrentAvgTempC
	node.CurrentMaxTempC = hb.CurrentMaxTempC
	if len(hb.GPUInfo) > 0 {
		node.GPUInfo = hb.GPUInfo
	}
	if err := c.store.UpsertNode(r.Context(), node); err != nil {
		writeAPIError(w, err)
		return
	}
	if wasOffline {
		c.logger.Info().Str("hostname", host).Msg("node recovered, marked online")
	}

	for _, kt := range hb.KilledTasks {
		c.applyKilledTask(r.Context(), kt)
	}

	c.reconcileAssigning(r.Context(), host, hb.RunningTaskIDs)
	c.resurrectReportedVPS(r.Context(), host, hb.RunningTaskIDs)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resurrectReportedVPS implements the automatic half of §4.C8.4: if this
// host's heartbeat reports a task_id the store still has as "lost" on this
// node, the worker kept the VPS container alive across whatever caused the
// lost transition, so it resurrects straight back to running.
func (c *Coordinator) resurrectReportedVPS(ctx context.Context, host string, runningTaskIDs []int64) {
	lostTasks, err := c.store.TasksOnNodeInStatus(ctx, host, types.TaskStatusLost)
	if err != nil {
		c.logger.Warn().Err(err).Str("hostname", host).Msg("failed to list lost tasks")
		return
	}
	if len(lostTasks) == 0 {
		return
	}
	running := make(map[int64]bool, len(runningTaskIDs))
	for _, id := range runningTaskIDs {
		running[id] = true
	}
	for _, t := range lostTasks {
		if t.Type != types.TaskTypeVPS || !running[t.TaskID] {
			continue
		}
		if err := c.ResurrectVPS(ctx, t.TaskID, t.SSHPort); err != nil {
			c.logger.Warn().Err(err).Int64("task_id", t.TaskID).Msg("failed to auto-resurrect reported VPS")
		}
	}
}

// applyKilledTask implements §4.C8.2 step 3: a heartbeat's killed_tasks
// entries only apply to non-terminal tasks, and the reason picks the status
// — "oom" maps to killed_oom, anything else to failed.
func (c *Coordinator) applyKilledTask(ctx context.Context, kt types.KilledTaskReport) {
	task, err := c.store.GetTask(ctx, kt.TaskID)
	if err != nil || task == nil || task.Status.IsTerminal() {
		return
	}
	status := types.TaskStatusFailed
	if kt.Reason == "oom" {
		status = types.TaskStatusKilledOOM
	}
	exitCode := -9
	now := time.Now().UTC()
	if err := c.store.UpdateStatus(ctx, kt.TaskID, task.Status, status, types.StatusUpdate{
		TaskID: kt.TaskID, Status: status, Message: kt.Reason, ExitCode: &exitCode, CompletedAt: &now,
	}); err != nil {
		c.logger.Warn().Err(err).Int64("task_id", kt.TaskID).Msg("failed to apply killed_tasks report")
	}
}

// reconcileAssigning implements the per-heartbeat half of §4.C8.2: any task
// still "assigning" on host past 3×HEARTBEAT_INTERVAL that the worker does
// not list as running escalates a suspicion counter, failing at 3.
func (c *Coordinator) reconcileAssigning(ctx context.Context, host string, runningTaskIDs []int64) {
	running := make(map[int64]bool, len(runningTaskIDs))
	for _, id := range runningTaskIDs {
		running[id] = true
	}

	tasks, err := c.store.TasksOnNodeInStatus(ctx, host, types.TaskStatusAssigning)
	if err != nil {
		c.logger.Warn().Err(err).Str("hostname", host).Msg("failed to list assigning tasks")
		return
	}

	staleThreshold := 3 * c.heartbeatInterval
	now := time.Now().UTC()

	for _, t := range tasks {
		if running[t.TaskID] {
			if err := c.store.UpdateStatus(ctx, t.TaskID, types.TaskStatusAssigning, types.TaskStatusRunning, types.StatusUpdate{
				TaskID: t.TaskID, Status: types.TaskStatusRunning, StartedAt: &now,
			}); err != nil {
				c.logger.Warn().Err(err).Int64("task_id", t.TaskID).Msg("failed to promote assigning->running")
			}
			continue
		}
		if now.Sub(t.SubmittedAt) < staleThreshold {
			continue
		}
		if t.AssignmentSuspicionCount+1 >= 3 {
			if err := c.store.UpdateStatus(ctx, t.TaskID, types.TaskStatusAssigning, types.TaskStatusFailed, types.StatusUpdate{
				TaskID: t.TaskID, Status: types.TaskStatusFailed, Message: "worker never reported this task as running",
			}); err != nil {
				c.logger.Warn().Err(err).Int64("task_id", t.TaskID).Msg("failed to fail stuck assigning task")
			}
			continue
		}
		c.bumpSuspicion(ctx, t)
	}
}

func (c *Coordinator) bumpSuspicion(ctx context.Context, t *types.Task) {
	if err := c.store.IncrementSuspicionCount(ctx, t.TaskID); err != nil {
		c.logger.Warn().Err(err).Int64("task_id", t.TaskID).Msg("failed to bump suspicion counter")
	}
}

func (c *Coordinator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	resp, err := c.scheduler.Submit(r.Context(), req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleUpdate is the worker-facing status-report endpoint used by
// executor.Reporter implementations.
func (c *Coordinator) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var update types.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	task, err := c.store.GetTask(r.Context(), update.TaskID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task_id"})
		return
	}
	// A terminal task admits no further status change except the VPS
	// lost->running resurrection, which goes exclusively through
	// ResurrectVPS, never this generic worker-facing endpoint.
	if task.Status.IsTerminal() {
		writeAPIError(w, &apierrors.StateConflictError{Reason: fmt.Sprintf("task %d is already in a terminal state %q", task.TaskID, task.Status)})
		return
	}
	if err := c.store.UpdateStatus(r.Context(), update.TaskID, task.Status, update.Status, update); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	var id int64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, err := c.store.GetTask(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task_id"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (c *Coordinator) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := taskstore.TaskFilter{
		Status:   types.TaskStatus(q.Get("status")),
		TaskType: types.TaskType(q.Get("task_type")),
		Node:     q.Get("node"),
	}
	tasks, err := c.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

var killableStatuses = map[types.TaskStatus]bool{
	types.TaskStatusPending:   true,
	types.TaskStatusAssigning: true,
	types.TaskStatusRunning:   true,
	types.TaskStatusPaused:    true,
}

// handleKill implements §4.C8.5: accepted only from a killable status,
// recorded as killed+completed_at in the store first, then — only if the
// task was actually live on an online worker — a background, fire-and-forget
// kill request is sent so a slow or unreachable worker never blocks the
// client-facing response.
func (c *Coordinator) handleKill(w http.ResponseWriter, r *http.Request) {
	var id int64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, err := c.store.GetTask(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task_id"})
		return
	}
	if !killableStatuses[task.Status] {
		writeAPIError(w, &apierrors.StateConflictError{Reason: fmt.Sprintf("task %d is %q, not killable", id, task.Status)})
		return
	}

	wasLive := task.Status == types.TaskStatusRunning || task.Status == types.TaskStatusPaused
	node, err := c.store.GetNode(r.Context(), task.AssignedNode)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	now := time.Now().UTC()
	if err := c.store.UpdateStatus(r.Context(), id, task.Status, types.TaskStatusKilled, types.StatusUpdate{
		TaskID: id, Status: types.TaskStatusKilled, CompletedAt: &now,
	}); err != nil {
		writeAPIError(w, err)
		return
	}

	if wasLive && node != nil && node.Status == types.NodeStatusOnline {
		nodeURL := node.URL
		isVPS := task.Type == types.TaskTypeVPS
		go func() {
			if err := c.worker.Kill(context.Background(), nodeURL, id, isVPS); err != nil {
				c.logger.Warn().Err(err).Int64("task_id", id).Msg("background worker kill failed")
			}
		}()
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (c *Coordinator) handlePause(w http.ResponseWriter, r *http.Request) {
	c.proxyCommandAction(w, r, types.TaskStatusRunning, types.TaskStatusPaused, func(node *types.Node, id int64) error {
		return c.worker.Pause(r.Context(), node.URL, id)
	})
}

func (c *Coordinator) handleResume(w http.ResponseWriter, r *http.Request) {
	c.proxyCommandAction(w, r, types.TaskStatusPaused, types.TaskStatusRunning, func(node *types.Node, id int64) error {
		return c.worker.Resume(r.Context(), node.URL, id, false)
	})
}

// proxyCommandAction implements §4.C8.5's pause/resume lifecycle: the
// request is only accepted from the exact required status, the worker is
// contacted synchronously, and the store only transitions to toStatus once
// the worker acknowledges success — a failed or unreachable worker leaves
// the recorded status untouched.
func (c *Coordinator) proxyCommandAction(w http.ResponseWriter, r *http.Request, fromStatus, toStatus types.TaskStatus, action func(node *types.Node, id int64) error) {
	var id int64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, err := c.store.GetTask(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task_id"})
		return
	}
	if task.Status != fromStatus {
		writeAPIError(w, &apierrors.StateConflictError{Reason: fmt.Sprintf("task %d is %q, expected %q", id, task.Status, fromStatus)})
		return
	}
	node, err := c.store.GetNode(r.Context(), task.AssignedNode)
	if err != nil || node == nil {
		writeAPIError(w, &apierrors.NotFoundError{Reason: "assigned node no longer exists"})
		return
	}
	if err := action(node, id); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := c.store.UpdateStatus(r.Context(), id, fromStatus, toStatus, types.StatusUpdate{
		TaskID: id, Status: toStatus,
	}); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tailLines returns the last n lines of the file at path, or "" if the file
// does not exist yet — a task's log only appears once its worker-side
// process has produced output, so a missing file is not an error (§4.C8.6).
func tailLines(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := make([]string, 0, n)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func (c *Coordinator) handleTaskLog(w http.ResponseWriter, r *http.Request, pathOf func(*types.Task) string) {
	var id int64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, err := c.store.GetTask(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task_id"})
		return
	}
	if task.Type == types.TaskTypeVPS {
		writeAPIError(w, &apierrors.ValidationError{Reason: "vps sessions have no stdout/stderr log"})
		return
	}

	n := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	content, err := tailLines(pathOf(task), n)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

// handleTaskStdout implements §4.C8.6: GET /task/{id}/stdout?lines=N.
func (c *Coordinator) handleTaskStdout(w http.ResponseWriter, r *http.Request) {
	c.handleTaskLog(w, r, func(t *types.Task) string { return t.StdoutPath })
}

// handleTaskStderr implements §4.C8.6: GET /task/{id}/stderr?lines=N.
func (c *Coordinator) handleTaskStderr(w http.ResponseWriter, r *http.Request) {
	c.handleTaskLog(w, r, func(t *types.Task) string { return t.StderrPath })
}

// handleVPSStatus implements §6's GET /vps/status: every non-terminal VPS
// session, most recently submitted first.
func (c *Coordinator) handleVPSStatus(w http.ResponseWriter, r *http.Request) {
	tasks, err := c.store.ActiveVPSTasks(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleVPSStop implements §6's POST /vps/stop/{task_id}, mirroring
// handleKill's store-first/background-worker-call shape but landing on
// "stopped" rather than "killed", and calling the worker's dedicated
// /vps/{id}/stop route instead of /kill.
func (c *Coordinator) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	var id int64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, err := c.store.GetTask(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task_id"})
		return
	}
	if task.Type != types.TaskTypeVPS {
		writeAPIError(w, &apierrors.ValidationError{Reason: fmt.Sprintf("task %d is not a vps session", id)})
		return
	}
	if !killableStatuses[task.Status] {
		writeAPIError(w, &apierrors.StateConflictError{Reason: fmt.Sprintf("vps session %d is %q, not stoppable", id, task.Status)})
		return
	}

	wasLive := task.Status == types.TaskStatusRunning || task.Status == types.TaskStatusPaused
	node, err := c.store.GetNode(r.Context(), task.AssignedNode)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	now := time.Now().UTC()
	if err := c.store.UpdateStatus(r.Context(), id, task.Status, types.TaskStatusStopped, types.StatusUpdate{
		TaskID: id, Status: types.TaskStatusStopped, CompletedAt: &now,
	}); err != nil {
		writeAPIError(w, err)
		return
	}

	if wasLive && node != nil && node.Status == types.NodeStatusOnline {
		nodeURL := node.URL
		go func() {
			if err := c.worker.StopVPS(context.Background(), nodeURL, id); err != nil {
				c.logger.Warn().Err(err).Int64("task_id", id).Msg("background worker vps stop failed")
			}
		}()
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (c *Coordinator) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := c.store.ListNodes(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runDeadRunnerLoop implements §4.C8.3: ticking dead-runner detection at
// cleanupInterval, following the teacher's Reconciler.run shape.
func (c *Coordinator) runDeadRunnerLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	c.logger.Info().Msg("dead-runner detection loop started")

	for {
		select {
		case <-ticker.C:
			if err := c.detectDeadRunners(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("dead-runner detection cycle failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("dead-runner detection loop stopped")
			return
		}
	}
}

func (c *Coordinator) detectDeadRunners(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	threshold := time.Duration(c.timeoutFactor) * c.heartbeatInterval
	now := time.Now().UTC()

	for _, n := range nodes {
		if n.Status != types.NodeStatusOnline {
			continue
		}
		if now.Sub(n.LastHeartbeat) < threshold {
			continue
		}
		c.logger.Warn().Str("hostname", n.Hostname).Dur("since_heartbeat", now.Sub(n.LastHeartbeat)).Msg("marking node offline")
		if err := c.store.SetNodeStatus(ctx, n.Hostname, types.NodeStatusOffline); err != nil {
			c.logger.Error().Err(err).Str("hostname", n.Hostname).Msg("failed to mark node offline")
			continue
		}
		c.cascadeNodeLoss(ctx, n.Hostname)
	}
	return nil
}

// cascadeNodeLoss marks every non-terminal task on a now-offline node
// "lost", satisfying the VPS resurrection exception in §4.C8.4 (a later
// heartbeat from a recovered worker can still promote a "lost" VPS back to
// "running"; command tasks never resurrect).
func (c *Coordinator) cascadeNodeLoss(ctx context.Context, hostname string) {
	for _, status := range []types.TaskStatus{types.TaskStatusAssigning, types.TaskStatusRunning, types.TaskStatusPaused} {
		tasks, err := c.store.TasksOnNodeInStatus(ctx, hostname, status)
		if err != nil {
			c.logger.Warn().Err(err).Str("hostname", hostname).Msg("failed to list tasks during cascade")
			continue
		}
		for _, t := range tasks {
			if err := c.store.UpdateStatus(ctx, t.TaskID, status, types.TaskStatusLost, types.StatusUpdate{
				TaskID: t.TaskID, Status: types.TaskStatusLost, Message: "node went offline",
			}); err != nil {
				c.logger.Warn().Err(err).Int64("task_id", t.TaskID).Msg("failed to mark task lost")
			}
		}
	}
}

// ResurrectVPS implements §4.C8.4: the sole permitted lost→running
// transition. Called when a heartbeat's running_task_ids includes a task
// the host believes is "lost" — e.g. a worker that bounced kept its
// container alive across the restart.
func (c *Coordinator) ResurrectVPS(ctx context.Context, taskID int64, sshPort int) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return &apierrors.NotFoundError{Reason: "unknown task_id"}
	}
	if task.Type != types.TaskTypeVPS {
		return &apierrors.StateConflictError{Reason: "only vps sessions may resurrect from lost"}
	}
	if task.Status != types.TaskStatusLost {
		return &apierrors.StateConflictError{Reason: "task is not lost"}
	}
	port := sshPort
	if err := c.store.UpdateStatus(ctx, taskID, types.TaskStatusLost, types.TaskStatusRunning, types.StatusUpdate{
		TaskID: taskID, Status: types.TaskStatusRunning, SSHPort: &port,
	}); err != nil {
		return err
	}
	c.openVPSListener(ctx, taskID)
	return nil
}

// DispatchCommand implements scheduler.Dispatcher over HTTP.
func (c *Coordinator) DispatchCommand(ctx context.Context, node string, task *types.Task) error {
	n, err := c.store.GetNode(ctx, node)
	if err != nil {
		return err
	}
	if n == nil {
		return &apierrors.NotFoundError{Reason: fmt.Sprintf("node %q does not exist", node)}
	}
	return c.worker.Execute(ctx, n.URL, task)
}

// DispatchVPS implements scheduler.Dispatcher over HTTP.
func (c *Coordinator) DispatchVPS(ctx context.Context, node string, task *types.Task) error {
	n, err := c.store.GetNode(ctx, node)
	if err != nil {
		return err
	}
	if n == nil {
		return &apierrors.NotFoundError{Reason: fmt.Sprintf("node %q does not exist", node)}
	}
	port, err := c.worker.CreateVPS(ctx, n.URL, task)
	if err != nil {
		return err
	}
	if err := c.store.UpdateStatus(ctx, task.TaskID, types.TaskStatusAssigning, types.TaskStatusRunning, types.StatusUpdate{
		TaskID: task.TaskID, Status: types.TaskStatusRunning, SSHPort: &port,
	}); err != nil {
		return err
	}
	c.openVPSListener(ctx, task.TaskID)
	return nil
}
