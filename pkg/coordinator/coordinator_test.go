package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hakuriver/pkg/scheduler"
	"github.com/cuemby/hakuriver/pkg/snowflake"
	"github.com/cuemby/hakuriver/pkg/taskstore"
	"github.com/cuemby/hakuriver/pkg/types"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *taskstore.Store) {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	worker := NewWorkerClient(2 * time.Second)
	coord := New(store, nil, worker, 5*time.Second, 6, time.Second)
	sched := scheduler.New(store, ids, coord, t.TempDir())
	coord.scheduler = sched
	return coord, store
}

func TestHandleRegister(t *testing.T) {
	coord, store := newTestCoordinator(t)
	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	body, _ := json.Marshal(types.RegistrationRequest{
		Hostname: "worker-1", URL: srv.URL, TotalCores: 8, TotalRAMBytes: 16 << 30,
	})
	resp, err := http.Post(srv.URL+"/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	node, err := store.GetNode(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
}

func TestHandleHeartbeat_UnknownHost404(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	body, _ := json.Marshal(types.Heartbeat{Hostname: "ghost"})
	resp, err := http.Post(srv.URL+"/heartbeat/ghost", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleHeartbeat_PromotesAssigningToRunning(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNode(ctx, &types.Node{Hostname: "worker-1", URL: "http://x", TotalCores: 8, Status: types.NodeStatusOnline}))
	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusAssigning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	body, _ := json.Marshal(types.Heartbeat{Hostname: "worker-1", RunningTaskIDs: []int64{1}})
	resp, err := http.Post(srv.URL+"/heartbeat/worker-1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
}

func TestDetectDeadRunners_CascadesToLost(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNode(ctx, &types.Node{
		Hostname: "worker-1", URL: "http://x", TotalCores: 8,
		Status: types.NodeStatusOnline, LastHeartbeat: time.Now().UTC().Add(-time.Hour),
	}))
	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	require.NoError(t, coord.detectDeadRunners(ctx))

	node, err := store.GetNode(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, node.Status)

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusLost, got.Status)
}

func TestResurrectVPS_OnlyFromLost(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNode(ctx, &types.Node{Hostname: "worker-1", URL: "http://x", TotalCores: 8, Status: types.NodeStatusOnline}))
	task := &types.Task{TaskID: 1, Type: types.TaskTypeVPS, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	err := coord.ResurrectVPS(ctx, 1, 2222)
	assert.Error(t, err, "task is running, not lost")

	require.NoError(t, store.UpdateStatus(ctx, 1, types.TaskStatusRunning, types.TaskStatusLost, types.StatusUpdate{TaskID: 1, Status: types.TaskStatusLost}))
	require.NoError(t, coord.ResurrectVPS(ctx, 1, 2222))

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.Equal(t, 2222, got.SSHPort)
}

func TestHandleHeartbeat_AutoResurrectsReportedLostVPS(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNode(ctx, &types.Node{Hostname: "worker-1", URL: "http://x", TotalCores: 8, Status: types.NodeStatusOffline}))
	task := &types.Task{TaskID: 1, Type: types.TaskTypeVPS, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC(), SSHPort: 2222}
	require.NoError(t, store.InsertTask(ctx, task))
	require.NoError(t, store.UpdateStatus(ctx, 1, types.TaskStatusRunning, types.TaskStatusLost, types.StatusUpdate{TaskID: 1, Status: types.TaskStatusLost}))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	body, _ := json.Marshal(types.Heartbeat{Hostname: "worker-1", RunningTaskIDs: []int64{1}})
	resp, err := http.Post(srv.URL+"/heartbeat/worker-1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.Equal(t, 2222, got.SSHPort)
}

func TestDispatchCommand_UnknownNode(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	err := coord.DispatchCommand(context.Background(), "nope", &types.Task{TaskID: 1})
	assert.Error(t, err)
}

func TestApplyKilledTask_OOMReasonMapsToKilledOOM(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	coord.applyKilledTask(ctx, types.KilledTaskReport{TaskID: 1, Reason: "oom"})

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusKilledOOM, got.Status)
	assert.Equal(t, -9, got.ExitCode)
	require.NotNil(t, got.CompletedAt)
}

func TestApplyKilledTask_OtherReasonMapsToFailed(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	coord.applyKilledTask(ctx, types.KilledTaskReport{TaskID: 1, Reason: "runaway"})

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Equal(t, -9, got.ExitCode)
}

func TestHandleKill_RecordsKilledAndDispatchesBackgroundKill(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	workerSrv, calls := fakeWorkerServer(t)
	defer workerSrv.Close()

	require.NoError(t, store.UpsertNode(ctx, &types.Node{Hostname: "worker-1", URL: workerSrv.URL, TotalCores: 8, Status: types.NodeStatusOnline}))
	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/kill/1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusKilled, got.Status)
	require.NotNil(t, got.CompletedAt)

	require.Eventually(t, func() bool { return len(*calls) > 0 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, *calls, "kill/1")
}

func TestHandleKill_RejectsAlreadyTerminalTask(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusCompleted, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/kill/1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlePause_MutatesStateOnlyAfterWorkerAck(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	workerSrv, calls := fakeWorkerServer(t)
	defer workerSrv.Close()

	require.NoError(t, store.UpsertNode(ctx, &types.Node{Hostname: "worker-1", URL: workerSrv.URL, TotalCores: 8, Status: types.NodeStatusOnline}))
	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/command/1/pause", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, *calls, "pause/1")

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaused, got.Status)
}

func TestHandlePause_RejectsWrongPrecondition(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusPending, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/command/1/pause", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
}

func TestHandleUpdate_RejectsTerminalTask(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	task := &types.Task{TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusCompleted, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	body, _ := json.Marshal(types.StatusUpdate{TaskID: 1, Status: types.TaskStatusRunning})
	resp, err := http.Post(srv.URL+"/update", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
}

func TestHandleTaskStdout_MissingLogReturnsEmptyBody(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	task := &types.Task{
		TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1,
		Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC(),
		StdoutPath: filepath.Join(t.TempDir(), "does-not-exist.log"),
	}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/task/1/stdout")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := &bytes.Buffer{}
	_, _ = buf.ReadFrom(resp.Body)
	assert.Empty(t, buf.String())
}

func TestHandleTaskStdout_TailsLastLines(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), "stdout.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line1\nline2\nhi\n"), 0o644))

	task := &types.Task{
		TaskID: 1, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1,
		Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC(), StdoutPath: logPath,
	}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/task/1/stdout?lines=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := &bytes.Buffer{}
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, "hi\n", buf.String())
}

func TestHandleTaskStdout_RejectsVPSTasks(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	task := &types.Task{TaskID: 1, Type: types.TaskTypeVPS, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/task/1/stdout")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleVPSStatus_ListsOnlyActiveVPS(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	running := &types.Task{TaskID: 1, Type: types.TaskTypeVPS, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, running))
	stopped := &types.Task{TaskID: 2, Type: types.TaskTypeVPS, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusStopped, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, stopped))
	command := &types.Task{TaskID: 3, Type: types.TaskTypeCommand, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, command))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/vps/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []*types.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(1), tasks[0].TaskID)
}

func TestHandleVPSStop_RecordsStoppedAndDispatchesBackgroundStop(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	workerSrv, calls := fakeWorkerServer(t)
	defer workerSrv.Close()

	require.NoError(t, store.UpsertNode(ctx, &types.Node{Hostname: "worker-1", URL: workerSrv.URL, TotalCores: 8, Status: types.NodeStatusOnline}))
	task := &types.Task{TaskID: 1, Type: types.TaskTypeVPS, AssignedNode: "worker-1", RequiredCores: 1, Status: types.TaskStatusRunning, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	srv := httptest.NewServer(coord.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/vps/stop/1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusStopped, got.Status)

	require.Eventually(t, func() bool { return len(*calls) > 0 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, *calls, "vps-stop/1")
}

