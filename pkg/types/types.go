package types

import (
	"time"
)

// Node represents a worker node registered with the host coordinator.
type Node struct {
	Hostname         string `json:"hostname"`
	URL              string `json:"url"`
	TotalCores       int    `json:"total_cores"`
	MemoryTotalBytes int64  `json:"memory_total_bytes"`

	NumaTopology map[int]*NumaNode `json:"numa_topology"`
	GPUInfo      []*GPUInfo        `json:"gpu_info"`

	Status        NodeStatus `json:"status"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	CreatedAt     time.Time  `json:"created_at"`

	// Latest metric snapshot, refreshed on every heartbeat.
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	MemoryUsedBytes  int64   `json:"memory_used_bytes"`
	CurrentAvgTempC  float64 `json:"current_avg_temp"`
	CurrentMaxTempC  float64 `json:"current_max_temp"`
}

// NumaNode describes one NUMA memory-affinity domain on a worker.
type NumaNode struct {
	Cores       []int `json:"cores"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// GPUInfo describes one GPU device as reported by a worker.
type GPUInfo struct {
	GPUID           int    `json:"gpu_id"`
	Name            string `json:"name"`
	MemoryTotalByte int64  `json:"memory_total"`
}

// NodeStatus is the liveness state of a worker node.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// HealthSample is one point of a node's metric history, kept for /health.
type HealthSample struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent"`
	MemoryUsedBytes int64     `json:"memory_used_bytes"`
	CurrentAvgTempC float64   `json:"current_avg_temp"`
	CurrentMaxTempC float64   `json:"current_max_temp"`
}

// TaskType distinguishes a batch command task from a long-lived VPS session.
type TaskType string

const (
	TaskTypeCommand TaskType = "command"
	TaskTypeVPS     TaskType = "vps"
)

// TaskStatus is the wire vocabulary for task lifecycle state (spec.md §6).
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigning TaskStatus = "assigning"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusKilled    TaskStatus = "killed"
	TaskStatusKilledOOM TaskStatus = "killed_oom"
	TaskStatusLost      TaskStatus = "lost"
	TaskStatusStopped   TaskStatus = "stopped"
)

// IsTerminal reports whether s is a final state. "lost" is terminal except
// for the VPS resurrection exception handled explicitly by the coordinator.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusKilled, TaskStatusKilledOOM, TaskStatusLost, TaskStatusStopped:
		return true
	default:
		return false
	}
}

// SSHKeyMode controls how a VPS session's SSH daemon is configured.
type SSHKeyMode string

const (
	SSHKeyModeDisabled SSHKeyMode = "disabled"
	SSHKeyModeNone     SSHKeyMode = "none"
	SSHKeyModeUpload   SSHKeyMode = "upload"
	SSHKeyModeGenerate SSHKeyMode = "generate"
)

// Task is a single command task or VPS session tracked by the host's task store.
type Task struct {
	TaskID  int64    `json:"task_id"`
	Type    TaskType `json:"task_type"`
	BatchID int64    `json:"batch_id"`

	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
	EnvVars   []string `json:"env_vars,omitempty"`

	RequiredCores          int     `json:"required_cores"`
	RequiredMemoryBytes    int64   `json:"required_memory_bytes"`
	RequiredGPUs           []int   `json:"required_gpus,omitempty"`
	TargetNumaNodeID       *int    `json:"target_numa_node_id,omitempty"`

	AssignedNode   string `json:"assigned_node"`
	ContainerName  string `json:"container_name"`
	DockerImageTag string `json:"docker_image_tag"`
	OSFamily       string `json:"os_family,omitempty"`
	Privileged     bool   `json:"privileged"`
	MountDirs      []string `json:"mount_dirs,omitempty"`
	WorkingDir     string   `json:"working_dir,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`

	SSHKeyMode   SSHKeyMode `json:"ssh_key_mode,omitempty"`
	SSHPublicKey string     `json:"ssh_public_key,omitempty"`
	SSHPort      int        `json:"ssh_port,omitempty"`

	Status       TaskStatus `json:"status"`
	ExitCode     int        `json:"exit_code"`
	ErrorMessage string     `json:"error_message,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	AssignmentSuspicionCount int `json:"assignment_suspicion_count"`
}

// WorkerTaskRecord is the C3 worker-local record of a container the worker
// believes it owns, keyed by task_id.
type WorkerTaskRecord struct {
	TaskID        int64  `json:"task_id"`
	ContainerName string `json:"container_name"`
	AllocatedCores int   `json:"allocated_cores"`
	AllocatedGPUs []int  `json:"allocated_gpus,omitempty"`
	NumaNode      *int   `json:"numa_node,omitempty"`
	SSHPort       int    `json:"ssh_port,omitempty"`
}

// KilledTaskReport is one entry of a heartbeat's killed_tasks list.
type KilledTaskReport struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

// Heartbeat is the payload a worker POSTs to the host every heartbeat interval.
type Heartbeat struct {
	Hostname        string             `json:"hostname"`
	RunningTaskIDs  []int64            `json:"running_task_ids"`
	KilledTasks     []KilledTaskReport `json:"killed_tasks"`
	CPUPercent      float64            `json:"cpu_percent"`
	MemoryPercent   float64            `json:"memory_percent"`
	MemoryUsedBytes int64              `json:"memory_used_bytes"`
	MemoryTotalBytes int64             `json:"memory_total_bytes"`
	CurrentAvgTempC float64            `json:"current_avg_temp"`
	CurrentMaxTempC float64            `json:"current_max_temp"`
	GPUInfo         []*GPUInfo         `json:"gpu_info"`
}

// RegistrationRequest is the payload a worker POSTs to /register.
type RegistrationRequest struct {
	Hostname         string            `json:"hostname"`
	URL              string            `json:"url"`
	TotalCores       int               `json:"total_cores"`
	TotalRAMBytes    int64             `json:"total_ram_bytes"`
	NumaTopology     map[int]*NumaNode `json:"numa_topology"`
	GPUInfo          []*GPUInfo        `json:"gpu_info"`
}

// StatusUpdate is the payload a worker POSTs to /update to report task progress.
type StatusUpdate struct {
	TaskID      int64      `json:"task_id"`
	Status      TaskStatus `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SSHPort     *int       `json:"ssh_port,omitempty"`
}

// SubmitTarget is one parsed "host[:numa][::g1,g2,…]" target string.
type SubmitTarget struct {
	Host          string
	NumaNodeID    *int
	RequestedGPUs []int
}

// SubmitRequest is the body accepted by POST /submit (and /vps/create).
type SubmitRequest struct {
	TaskType            TaskType `json:"task_type"`
	Command             string   `json:"command,omitempty"`
	Arguments           []string `json:"arguments,omitempty"`
	EnvVars             []string `json:"env_vars,omitempty"`
	RequiredCores       int      `json:"required_cores"`
	RequiredMemoryBytes int64    `json:"required_memory_bytes"`
	RequiredGPUs        [][]int  `json:"required_gpus,omitempty"`
	Targets             []string `json:"targets,omitempty"`
	ContainerName       string   `json:"container_name"`
	OSFamily            string   `json:"os_family,omitempty"`
	Privileged          bool     `json:"privileged,omitempty"`
	AdditionalMounts    []string `json:"additional_mounts,omitempty"`
	SSHKeyMode          SSHKeyMode `json:"ssh_key_mode,omitempty"`
	SSHPublicKey        string     `json:"ssh_public_key,omitempty"`
}

// FailedTarget describes one target that could not be scheduled.
type FailedTarget struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// SubmitResponse is returned by /submit and /vps/create.
type SubmitResponse struct {
	TaskIDs       []int64        `json:"task_ids"`
	BatchID       int64          `json:"batch_id,omitempty"`
	FailedTargets []FailedTarget `json:"failed_targets,omitempty"`
}
