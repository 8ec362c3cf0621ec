package taskstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hakuriver/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleNode(hostname string) *types.Node {
	return &types.Node{
		Hostname:         hostname,
		URL:              "http://" + hostname + ":8001",
		TotalCores:       8,
		MemoryTotalBytes: 16 << 30,
		NumaTopology:     map[int]*types.NumaNode{},
		GPUInfo:          []*types.GPUInfo{},
		Status:           types.NodeStatusOnline,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestUpsertAndGetNode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := sampleNode("worker-1")
	require.NoError(t, s.UpsertNode(ctx, n))

	got, err := s.GetNode(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 8, got.TotalCores)

	n.TotalCores = 16
	require.NoError(t, s.UpsertNode(ctx, n))
	got, err = s.GetNode(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 16, got.TotalCores)
}

func TestGetNode_Missing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetNode(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListNodes_OrderedByFirstSeen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertNode(ctx, sampleNode("b-node")))
	require.NoError(t, s.UpsertNode(ctx, sampleNode("a-node")))

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "b-node", nodes[0].Hostname)
	assert.Equal(t, "a-node", nodes[1].Hostname)
}

func sampleTask(id int64) *types.Task {
	return &types.Task{
		TaskID:              id,
		Type:                types.TaskTypeCommand,
		Command:             "echo",
		Arguments:           []string{"hi"},
		RequiredCores:       2,
		RequiredMemoryBytes: 1 << 20,
		AssignedNode:        "worker-1",
		Status:              types.TaskStatusPending,
		SubmittedAt:         time.Now().UTC(),
	}
}

func TestInsertAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, sampleNode("worker-1")))

	task := sampleTask(1)
	require.NoError(t, s.InsertTask(ctx, task))

	got, err := s.GetTask(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "echo", got.Command)
	assert.Equal(t, []string{"hi"}, got.Arguments)
}

func TestCoresInUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, sampleNode("worker-1")))

	t1 := sampleTask(1)
	t1.Status = types.TaskStatusRunning
	t1.RequiredCores = 3
	require.NoError(t, s.InsertTask(ctx, t1))

	t2 := sampleTask(2)
	t2.Status = types.TaskStatusCompleted
	t2.RequiredCores = 5
	require.NoError(t, s.InsertTask(ctx, t2))

	cores, err := s.CoresInUse(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 3, cores)
}

func TestUpdateStatus_ValidTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, sampleNode("worker-1")))
	require.NoError(t, s.InsertTask(ctx, sampleTask(1)))

	err := s.UpdateStatus(ctx, 1, types.TaskStatusPending, types.TaskStatusRunning, types.StatusUpdate{TaskID: 1, Status: types.TaskStatusRunning})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
}

func TestUpdateStatus_InvalidTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, sampleNode("worker-1")))
	require.NoError(t, s.InsertTask(ctx, sampleTask(1)))

	err := s.UpdateStatus(ctx, 1, types.TaskStatusRunning, types.TaskStatusCompleted, types.StatusUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNextFreeSSHPort(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, sampleNode("worker-1")))

	port, err := s.NextFreeSSHPort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2222, port)

	vps := sampleTask(1)
	vps.Type = types.TaskTypeVPS
	vps.Status = types.TaskStatusRunning
	vps.SSHPort = 2222
	require.NoError(t, s.InsertTask(ctx, vps))

	port, err = s.NextFreeSSHPort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2223, port)
}

func TestListTasks_Filter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, sampleNode("worker-1")))

	running := sampleTask(1)
	running.Status = types.TaskStatusRunning
	require.NoError(t, s.InsertTask(ctx, running))

	completed := sampleTask(2)
	completed.Status = types.TaskStatusCompleted
	require.NoError(t, s.InsertTask(ctx, completed))

	tasks, err := s.ListTasks(ctx, TaskFilter{Status: types.TaskStatusRunning})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(1), tasks[0].TaskID)
}
