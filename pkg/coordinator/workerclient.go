package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/hakuriver/pkg/apierrors"
	"github.com/cuemby/hakuriver/pkg/executor"
	"github.com/cuemby/hakuriver/pkg/types"
)

// WorkerClient talks to a single worker's workeragent HTTP surface. The
// coordinator looks one up per node URL on demand rather than keeping a
// long-lived pool, mirroring the teacher's per-call gRPC dial pattern.
type WorkerClient struct {
	httpClient *http.Client
}

// NewWorkerClient returns a client with the given per-request timeout.
func NewWorkerClient(timeout time.Duration) *WorkerClient {
	return &WorkerClient{httpClient: &http.Client{Timeout: timeout}}
}

func (c *WorkerClient) postJSON(ctx context.Context, url string, body interface{}) (*http.Response, error) {
	buf := &bytes.Buffer{}
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apierrors.WorkerUnreachableError{Reason: err.Error()}
	}
	return resp, nil
}

// Execute dispatches a command task to the worker at nodeURL's /execute.
func (c *WorkerClient) Execute(ctx context.Context, nodeURL string, task *types.Task) error {
	resp, err := c.postJSON(ctx, nodeURL+"/execute", taskToExecuteInput(task))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &apierrors.WorkerUnreachableError{Reason: fmt.Sprintf("worker returned %d", resp.StatusCode)}
	}
	return nil
}

// CreateVPS dispatches a VPS session to the worker at nodeURL's /vps/create
// and returns the ssh_port the worker published.
func (c *WorkerClient) CreateVPS(ctx context.Context, nodeURL string, task *types.Task) (int, error) {
	resp, err := c.postJSON(ctx, nodeURL+"/vps/create", taskToVPSInput(task))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, &apierrors.WorkerUnreachableError{Reason: fmt.Sprintf("worker returned %d", resp.StatusCode)}
	}
	var out struct {
		SSHPort int `json:"ssh_port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.SSHPort, nil
}

// Kill tells the worker at nodeURL to kill taskID.
func (c *WorkerClient) Kill(ctx context.Context, nodeURL string, taskID int64, isVPS bool) error {
	url := fmt.Sprintf("%s/kill/%d", nodeURL, taskID)
	if isVPS {
		url += "?vps=true"
	}
	resp, err := c.postJSON(ctx, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &apierrors.WorkerUnreachableError{Reason: fmt.Sprintf("worker returned %d", resp.StatusCode)}
	}
	return nil
}

// StopVPS tells the worker at nodeURL to stop and remove a VPS container.
func (c *WorkerClient) StopVPS(ctx context.Context, nodeURL string, taskID int64) error {
	return c.simplePost(ctx, fmt.Sprintf("%s/vps/%d/stop", nodeURL, taskID))
}

// Pause/Resume mirror Kill's shape for the command pause/resume endpoints.
func (c *WorkerClient) Pause(ctx context.Context, nodeURL string, taskID int64) error {
	return c.simplePost(ctx, fmt.Sprintf("%s/pause/%d", nodeURL, taskID))
}

func (c *WorkerClient) Resume(ctx context.Context, nodeURL string, taskID int64, isVPS bool) error {
	path := fmt.Sprintf("%s/resume/%d", nodeURL, taskID)
	if isVPS {
		path = fmt.Sprintf("%s/vps/%d/resume", nodeURL, taskID)
	}
	return c.simplePost(ctx, path)
}

func (c *WorkerClient) simplePost(ctx context.Context, url string) error {
	resp, err := c.postJSON(ctx, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &apierrors.WorkerUnreachableError{Reason: fmt.Sprintf("worker returned %d", resp.StatusCode)}
	}
	return nil
}

// DockerSync tells the worker to refresh its local image for env.
func (c *WorkerClient) DockerSync(ctx context.Context, nodeURL, env string) error {
	return c.simplePost(ctx, fmt.Sprintf("%s/docker/sync/%s", nodeURL, env))
}

// taskToExecuteInput builds the worker's /execute payload for t. NumaCores is
// left nil: the coordinator only tracks node-wide core counts, not per-NUMA
// core lists, so it leaves this to the worker's own topology view; the worker's
// executor already tolerates a nil NumaCores by falling back to cgroup-level
// limits rather than an explicit cpuset.
func taskToExecuteInput(t *types.Task) executor.CommandTaskInput {
	return executor.CommandTaskInput{
		TaskID:              t.TaskID,
		Command:             t.Command,
		Arguments:           t.Arguments,
		Env:                 t.EnvVars,
		RequiredCores:       t.RequiredCores,
		RequiredGPUs:        t.RequiredGPUs,
		RequiredMemoryBytes: t.RequiredMemoryBytes,
		TargetNumaNodeID:    t.TargetNumaNodeID,
		DockerImageTag:      t.DockerImageTag,
		ContainerName:       t.ContainerName,
		Privileged:          t.Privileged,
		MountDirs:           t.MountDirs,
		WorkingDir:          t.WorkingDir,
		StdoutPath:          t.StdoutPath,
		StderrPath:          t.StderrPath,
	}
}

func taskToVPSInput(t *types.Task) executor.VPSLaunchInput {
	return executor.VPSLaunchInput{
		TaskID:              t.TaskID,
		RequiredCores:       t.RequiredCores,
		RequiredGPUs:        t.RequiredGPUs,
		RequiredMemoryBytes: t.RequiredMemoryBytes,
		TargetNumaNodeID:    t.TargetNumaNodeID,
		ContainerName:       t.ContainerName,
		DockerImageTag:      t.DockerImageTag,
		OSFamily:            t.OSFamily,
		SSHKeyMode:          t.SSHKeyMode,
		SSHPublicKey:        t.SSHPublicKey,
	}
}
