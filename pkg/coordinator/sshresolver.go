package coordinator

import (
	"context"
	"fmt"

	"github.com/cuemby/hakuriver/pkg/taskstore"
	"github.com/cuemby/hakuriver/pkg/types"
)

// SSHResolver adapts the task store to sshmux.NodeResolver, rejecting
// anything but an active (running) VPS task.
type SSHResolver struct {
	Store *taskstore.Store
}

func (r *SSHResolver) ResolveVPS(ctx context.Context, taskID int64) (string, int, error) {
	task, err := r.Store.GetTask(ctx, taskID)
	if err != nil {
		return "", 0, fmt.Errorf("sshresolver: load task %d: %w", taskID, err)
	}
	if task == nil {
		return "", 0, fmt.Errorf("sshresolver: task %d not found", taskID)
	}
	if task.Type != types.TaskTypeVPS || task.Status != types.TaskStatusRunning {
		return "", 0, fmt.Errorf("sshresolver: task %d is not an active VPS", taskID)
	}
	if task.SSHPort == 0 {
		return "", 0, fmt.Errorf("sshresolver: task %d has no assigned ssh port", taskID)
	}
	return task.AssignedNode, task.SSHPort, nil
}
