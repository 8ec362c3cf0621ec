// Package scheduler is the host's submission entry point (C7): it validates
// a submit request, normalizes targets, allocates task IDs and SSH ports,
// records each task, and dispatches it to the owning worker. Structured
// after the teacher's Scheduler type (logger, mutex, NewScheduler
// constructor) even though the actual work here is request-driven rather
// than a ticking reconciliation loop.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hakuriver/pkg/apierrors"
	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/snowflake"
	"github.com/cuemby/hakuriver/pkg/taskstore"
	"github.com/cuemby/hakuriver/pkg/types"
)

// Dispatcher delivers a task to its assigned worker. pkg/coordinator
// implements this over HTTP against /execute and /vps/create.
type Dispatcher interface {
	DispatchCommand(ctx context.Context, node string, task *types.Task) error
	DispatchVPS(ctx context.Context, node string, task *types.Task) error
}

// Scheduler validates and dispatches submissions.
type Scheduler struct {
	store      *taskstore.Store
	ids        *snowflake.Generator
	dispatcher Dispatcher
	sharedDir  string
	logger     zerolog.Logger
	mu         sync.Mutex
}

// New returns a Scheduler backed by store, minting task IDs from ids and
// dispatching through dispatcher.
func New(store *taskstore.Store, ids *snowflake.Generator, dispatcher Dispatcher, sharedDir string) *Scheduler {
	return &Scheduler{
		store:      store,
		ids:        ids,
		dispatcher: dispatcher,
		sharedDir:  sharedDir,
		logger:     log.WithComponent("scheduler"),
	}
}

var targetPattern = regexp.MustCompile(`^([^:]+)(?::(\d+))?(?:::(.+))?$`)

// parsedTarget is one "host[:numa][::g1,g2,…]" submission target.
type parsedTarget struct {
	host       string
	numaNodeID *int
	gpus       []int
}

func parseTarget(raw string) (parsedTarget, error) {
	m := targetPattern.FindStringSubmatch(raw)
	if m == nil {
		return parsedTarget{}, fmt.Errorf("malformed target %q", raw)
	}
	pt := parsedTarget{host: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return parsedTarget{}, fmt.Errorf("invalid numa id in target %q", raw)
		}
		pt.numaNodeID = &n
	}
	if m[3] != "" {
		for _, part := range strings.Split(m[3], ",") {
			g, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return parsedTarget{}, fmt.Errorf("invalid gpu index in target %q", raw)
			}
			pt.gpus = append(pt.gpus, g)
		}
	}
	return pt, nil
}

// Submit implements §4.C7's validate → normalize → per-target allocate →
// dispatch sequence.
func (s *Scheduler) Submit(ctx context.Context, req types.SubmitRequest) (*types.SubmitResponse, error) {
	if req.TaskType != types.TaskTypeCommand && req.TaskType != types.TaskTypeVPS {
		return nil, &apierrors.ValidationError{Reason: fmt.Sprintf("unknown task_type %q", req.TaskType)}
	}
	if req.TaskType == types.TaskTypeVPS {
		if req.ContainerName == "" || req.ContainerName == "NULL" {
			return nil, &apierrors.ValidationError{Reason: "vps submission requires a container_name"}
		}
		if len(req.Targets) > 1 {
			return nil, &apierrors.ValidationError{Reason: "vps submission accepts at most one target"}
		}
	}
	hasGPUDemand := false
	for _, g := range req.RequiredGPUs {
		if len(g) > 0 {
			hasGPUDemand = true
		}
	}
	if hasGPUDemand && len(req.Targets) == 0 {
		return nil, &apierrors.ValidationError{Reason: "gpu-demanding tasks require an explicit target"}
	}
	if len(req.RequiredGPUs) > 0 && len(req.RequiredGPUs) != len(req.Targets) {
		return nil, &apierrors.ValidationError{Reason: "required_gpus and targets must have equal length"}
	}

	targets := req.Targets
	gpuLists := req.RequiredGPUs
	if len(targets) == 0 {
		if hasGPUDemand {
			return nil, &apierrors.ValidationError{Reason: "gpu-demanding tasks require an explicit target"}
		}
		node, err := s.pickNode(ctx, req.RequiredCores, req.RequiredMemoryBytes, nil)
		if err != nil {
			return nil, err
		}
		targets = []string{node}
		gpuLists = [][]int{nil}
	}

	var taskIDs []int64
	var batchID int64
	var failed []types.FailedTarget

	for i, rawTarget := range targets {
		var gpus []int
		if i < len(gpuLists) {
			gpus = gpuLists[i]
		}

		taskID, err := s.allocateTarget(ctx, req, rawTarget, gpus, batchID)
		if err != nil {
			failed = append(failed, types.FailedTarget{Target: rawTarget, Reason: err.Error()})
			continue
		}
		if batchID == 0 {
			batchID = taskID
		}
		taskIDs = append(taskIDs, taskID)
	}

	if len(taskIDs) == 0 {
		return nil, &apierrors.CapacityError{Reason: "no target could be scheduled"}
	}

	return &types.SubmitResponse{TaskIDs: taskIDs, BatchID: batchID, FailedTargets: failed}, nil
}

func (s *Scheduler) allocateTarget(ctx context.Context, req types.SubmitRequest, rawTarget string, gpus []int, batchID int64) (int64, error) {
	pt, err := parseTarget(rawTarget)
	if err != nil {
		return 0, err
	}
	if len(gpus) > 0 {
		pt.gpus = gpus
	}

	node, err := s.store.GetNode(ctx, pt.host)
	if err != nil {
		return 0, err
	}
	if node == nil {
		return 0, fmt.Errorf("node %q does not exist", pt.host)
	}
	if node.Status != types.NodeStatusOnline {
		return 0, fmt.Errorf("node %q is offline", pt.host)
	}
	if pt.numaNodeID != nil {
		if _, ok := node.NumaTopology[*pt.numaNodeID]; !ok {
			return 0, fmt.Errorf("node %q has no numa node %d", pt.host, *pt.numaNodeID)
		}
	}
	if len(pt.gpus) > 0 {
		gpusInUse, err := s.store.GPUsInUseOnNode(ctx, pt.host)
		if err != nil {
			return 0, err
		}
		for _, g := range pt.gpus {
			if g < 0 || g >= len(node.GPUInfo) {
				return 0, fmt.Errorf("node %q has no gpu index %d", pt.host, g)
			}
			if gpusInUse[g] {
				return 0, fmt.Errorf("node %q gpu index %d is already in use", pt.host, g)
			}
		}
	}

	coresInUse, err := s.store.CoresInUse(ctx, pt.host)
	if err != nil {
		return 0, err
	}
	if node.TotalCores-coresInUse < req.RequiredCores {
		return 0, fmt.Errorf("node %q has insufficient available cores", pt.host)
	}

	taskID := s.ids.Next()
	if batchID == 0 {
		batchID = taskID
	}

	stdoutPath := filepath.Join(s.sharedDir, "logs", fmt.Sprintf("%d", taskID), "stdout.log")
	stderrPath := filepath.Join(s.sharedDir, "logs", fmt.Sprintf("%d", taskID), "stderr.log")

	task := &types.Task{
		TaskID:              taskID,
		Type:                req.TaskType,
		BatchID:             batchID,
		Command:             req.Command,
		Arguments:           req.Arguments,
		EnvVars:             req.EnvVars,
		RequiredCores:       req.RequiredCores,
		RequiredMemoryBytes: req.RequiredMemoryBytes,
		RequiredGPUs:        pt.gpus,
		TargetNumaNodeID:    pt.numaNodeID,
		AssignedNode:        pt.host,
		ContainerName:       req.ContainerName,
		OSFamily:            req.OSFamily,
		Privileged:          req.Privileged,
		MountDirs:           req.AdditionalMounts,
		StdoutPath:          stdoutPath,
		StderrPath:          stderrPath,
		Status:              types.TaskStatusAssigning,
		SubmittedAt:         time.Now().UTC(),
	}

	if req.TaskType == types.TaskTypeVPS {
		port, err := s.store.NextFreeSSHPort(ctx)
		if err != nil {
			return 0, err
		}
		task.SSHPort = port
		task.SSHKeyMode = req.SSHKeyMode
		task.SSHPublicKey = req.SSHPublicKey
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		return 0, err
	}

	if req.TaskType == types.TaskTypeVPS {
		if err := s.dispatcher.DispatchVPS(ctx, pt.host, task); err != nil {
			_ = s.store.UpdateStatus(ctx, taskID, types.TaskStatusAssigning, types.TaskStatusFailed, types.StatusUpdate{
				TaskID: taskID, Message: err.Error(),
			})
			return 0, fmt.Errorf("vps dispatch to %q failed: %w", pt.host, err)
		}
	} else {
		go func() {
			if err := s.dispatcher.DispatchCommand(context.Background(), pt.host, task); err != nil {
				s.logger.Warn().Err(err).Int64("task_id", taskID).Str("node", pt.host).Msg("command dispatch failed")
			}
		}()
	}

	return taskID, nil
}

// pickNode implements §4.C7's no-explicit-target node selection policy:
// largest available cores among online candidates with enough headroom,
// ties broken by first-seen hostname.
func (s *Scheduler) pickNode(ctx context.Context, requiredCores int, requiredMemoryBytes int64, requiredGPUs []int) (string, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return "", err
	}

	type candidate struct {
		hostname  string
		available int
		seq       int
	}
	var candidates []candidate

	for i, n := range nodes {
		if n.Status != types.NodeStatusOnline {
			continue
		}
		inUse, err := s.store.CoresInUse(ctx, n.Hostname)
		if err != nil {
			return "", err
		}
		available := n.TotalCores - inUse
		if available < requiredCores {
			continue
		}
		if requiredMemoryBytes > 0 && n.MemoryTotalBytes < requiredMemoryBytes {
			continue
		}
		if len(requiredGPUs) > len(n.GPUInfo) {
			continue
		}
		candidates = append(candidates, candidate{hostname: n.Hostname, available: available, seq: i})
	}

	if len(candidates) == 0 {
		return "", &apierrors.CapacityError{Reason: "no online node has enough available cores"}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].available != candidates[j].available {
			return candidates[i].available > candidates[j].available
		}
		return candidates[i].seq < candidates[j].seq
	})

	return candidates[0].hostname, nil
}
