// Package taskstore is the host coordinator's relational persistence layer
// (C6): a sqlite database holding the nodes and tasks tables, migrated with
// golang-migrate at startup. Grounded on the pack's sqlite-over-database/sql
// idiom, generalized from a single schema.sql exec into versioned migrations
// since this store's schema is expected to evolve across releases.
package taskstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/cuemby/hakuriver/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite connection used by the host coordinator.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("taskstore: load migration source: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("taskstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("taskstore: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("taskstore: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertNode inserts node, or updates its mutable fields if hostname already
// exists. first_seen_seq is assigned once, at first insert, and never
// changes — it is the tie-break key for the largest-available-cores node
// selection policy.
func (s *Store) UpsertNode(ctx context.Context, n *types.Node) error {
	numaJSON, err := json.Marshal(n.NumaTopology)
	if err != nil {
		return fmt.Errorf("taskstore: marshal numa topology: %w", err)
	}
	gpuJSON, err := json.Marshal(n.GPUInfo)
	if err != nil {
		return fmt.Errorf("taskstore: marshal gpu info: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (
			hostname, url, total_cores, memory_total_bytes, numa_topology_json,
			gpu_info_json, status, last_heartbeat, created_at, cpu_percent,
			memory_percent, memory_used_bytes, current_avg_temp_c, current_max_temp_c,
			first_seen_seq
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(first_seen_seq), 0) + 1 FROM nodes))
		ON CONFLICT(hostname) DO UPDATE SET
			url = excluded.url,
			total_cores = excluded.total_cores,
			memory_total_bytes = excluded.memory_total_bytes,
			numa_topology_json = excluded.numa_topology_json,
			gpu_info_json = excluded.gpu_info_json,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			cpu_percent = excluded.cpu_percent,
			memory_percent = excluded.memory_percent,
			memory_used_bytes = excluded.memory_used_bytes,
			current_avg_temp_c = excluded.current_avg_temp_c,
			current_max_temp_c = excluded.current_max_temp_c
	`, n.Hostname, n.URL, n.TotalCores, n.MemoryTotalBytes, string(numaJSON), string(gpuJSON),
		string(n.Status), n.LastHeartbeat, n.CreatedAt, n.CPUPercent, n.MemoryPercent,
		n.MemoryUsedBytes, n.CurrentAvgTempC, n.CurrentMaxTempC)
	if err != nil {
		return fmt.Errorf("taskstore: upsert node %s: %w", n.Hostname, err)
	}
	return nil
}

func scanNode(row interface {
	Scan(dest ...interface{}) error
}) (*types.Node, error) {
	var n types.Node
	var numaJSON, gpuJSON, status string
	if err := row.Scan(
		&n.Hostname, &n.URL, &n.TotalCores, &n.MemoryTotalBytes, &numaJSON, &gpuJSON,
		&status, &n.LastHeartbeat, &n.CreatedAt, &n.CPUPercent, &n.MemoryPercent,
		&n.MemoryUsedBytes, &n.CurrentAvgTempC, &n.CurrentMaxTempC,
	); err != nil {
		return nil, err
	}
	n.Status = types.NodeStatus(status)
	if err := json.Unmarshal([]byte(numaJSON), &n.NumaTopology); err != nil {
		return nil, fmt.Errorf("taskstore: unmarshal numa topology: %w", err)
	}
	if err := json.Unmarshal([]byte(gpuJSON), &n.GPUInfo); err != nil {
		return nil, fmt.Errorf("taskstore: unmarshal gpu info: %w", err)
	}
	return &n, nil
}

const nodeColumns = `hostname, url, total_cores, memory_total_bytes, numa_topology_json,
	gpu_info_json, status, last_heartbeat, created_at, cpu_percent, memory_percent,
	memory_used_bytes, current_avg_temp_c, current_max_temp_c`

// GetNode returns the node record for hostname, or nil if none exists.
func (s *Store) GetNode(ctx context.Context, hostname string) (*types.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE hostname = ?`, hostname)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: get node %s: %w", hostname, err)
	}
	return n, nil
}

// ListNodes returns every node, ordered by first_seen_seq ascending so
// callers get a stable first-seen-first iteration for tie-breaking.
func (s *Store) ListNodes(ctx context.Context) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY first_seen_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list nodes: %w", err)
	}
	defer rows.Close()

	var out []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("taskstore: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetNodeStatus updates just a node's status column, used by the dead-runner
// detection loop.
func (s *Store) SetNodeStatus(ctx context.Context, hostname string, status types.NodeStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET status = ? WHERE hostname = ?`, string(status), hostname)
	if err != nil {
		return fmt.Errorf("taskstore: set node status %s: %w", hostname, err)
	}
	return nil
}

// CoresInUse returns the sum of required_cores for every non-terminal task
// currently assigned to hostname.
func (s *Store) CoresInUse(ctx context.Context, hostname string) (int, error) {
	var cores sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(required_cores), 0) FROM tasks
		WHERE assigned_node = ? AND status IN ('pending', 'assigning', 'running', 'paused')
	`, hostname).Scan(&cores)
	if err != nil {
		return 0, fmt.Errorf("taskstore: cores in use for %s: %w", hostname, err)
	}
	return int(cores.Int64), nil
}

// InsertTask creates a new task row.
func (s *Store) InsertTask(ctx context.Context, t *types.Task) error {
	args, err := json.Marshal(t.Arguments)
	if err != nil {
		return err
	}
	env, err := json.Marshal(t.EnvVars)
	if err != nil {
		return err
	}
	gpus, err := json.Marshal(t.RequiredGPUs)
	if err != nil {
		return err
	}
	mounts, err := json.Marshal(t.MountDirs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, task_type, batch_id, command, arguments_json, env_vars_json,
			required_cores, required_memory_bytes, required_gpus_json, target_numa_node_id,
			assigned_node, container_name, docker_image_tag, privileged, mount_dirs_json,
			working_dir, stdout_path, stderr_path, ssh_key_mode, ssh_public_key, ssh_port,
			status, exit_code, error_message, submitted_at, started_at, completed_at,
			assignment_suspicion_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TaskID, string(t.Type), t.BatchID, t.Command, string(args), string(env),
		t.RequiredCores, t.RequiredMemoryBytes, string(gpus), t.TargetNumaNodeID,
		t.AssignedNode, t.ContainerName, t.DockerImageTag, t.Privileged, string(mounts),
		t.WorkingDir, t.StdoutPath, t.StderrPath, string(t.SSHKeyMode), t.SSHPublicKey, t.SSHPort,
		string(t.Status), t.ExitCode, t.ErrorMessage, t.SubmittedAt, t.StartedAt, t.CompletedAt,
		t.AssignmentSuspicionCount)
	if err != nil {
		return fmt.Errorf("taskstore: insert task %d: %w", t.TaskID, err)
	}
	return nil
}

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*types.Task, error) {
	var t types.Task
	var taskType, status, sshKeyMode string
	var argsJSON, envJSON, gpusJSON, mountsJSON string
	if err := row.Scan(
		&t.TaskID, &taskType, &t.BatchID, &t.Command, &argsJSON, &envJSON,
		&t.RequiredCores, &t.RequiredMemoryBytes, &gpusJSON, &t.TargetNumaNodeID,
		&t.AssignedNode, &t.ContainerName, &t.DockerImageTag, &t.Privileged, &mountsJSON,
		&t.WorkingDir, &t.StdoutPath, &t.StderrPath, &sshKeyMode, &t.SSHPublicKey, &t.SSHPort,
		&status, &t.ExitCode, &t.ErrorMessage, &t.SubmittedAt, &t.StartedAt, &t.CompletedAt,
		&t.AssignmentSuspicionCount,
	); err != nil {
		return nil, err
	}
	t.Type = types.TaskType(taskType)
	t.Status = types.TaskStatus(status)
	t.SSHKeyMode = types.SSHKeyMode(sshKeyMode)
	if err := json.Unmarshal([]byte(argsJSON), &t.Arguments); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(envJSON), &t.EnvVars); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(gpusJSON), &t.RequiredGPUs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mountsJSON), &t.MountDirs); err != nil {
		return nil, err
	}
	return &t, nil
}

const taskColumns = `task_id, task_type, batch_id, command, arguments_json, env_vars_json,
	required_cores, required_memory_bytes, required_gpus_json, target_numa_node_id,
	assigned_node, container_name, docker_image_tag, privileged, mount_dirs_json,
	working_dir, stdout_path, stderr_path, ssh_key_mode, ssh_public_key, ssh_port,
	status, exit_code, error_message, submitted_at, started_at, completed_at,
	assignment_suspicion_count`

// GetTask returns a single task by ID, or nil if it does not exist.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: get task %d: %w", taskID, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks's results; zero-value fields are not filtered on.
type TaskFilter struct {
	Status   types.TaskStatus
	TaskType types.TaskType
	Node     string
	Limit    int
	Offset   int
}

// ListTasks returns tasks matching filter, paginated.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, string(filter.TaskType))
	}
	if filter.Node != "" {
		query += ` AND assigned_node = ?`
		args = append(args, filter.Node)
	}
	query += ` ORDER BY task_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskstore: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TasksOnNodeInStatus returns every task assigned to hostname currently in status.
func (s *Store) TasksOnNodeInStatus(ctx context.Context, hostname string, status types.TaskStatus) ([]*types.Task, error) {
	return s.ListTasks(ctx, TaskFilter{Node: hostname, Status: status})
}

// ErrInvalidTransition is returned by UpdateStatus when from does not match
// the task's current status.
var ErrInvalidTransition = errors.New("taskstore: invalid status transition")

// UpdateStatus atomically transitions taskID from `from` to `to`, failing
// with ErrInvalidTransition if the task's current status does not match
// `from`. Pass "" for from to skip the check (unconditional update).
func (s *Store) UpdateStatus(ctx context.Context, taskID int64, from, to types.TaskStatus, update types.StatusUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskstore: begin transition tx: %w", err)
	}
	defer tx.Rollback()

	if from != "" {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("taskstore: task %d not found", taskID)
			}
			return fmt.Errorf("taskstore: read status for transition: %w", err)
		}
		if types.TaskStatus(current) != from {
			return fmt.Errorf("%w: task %d is %s, not %s", ErrInvalidTransition, taskID, current, from)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, exit_code = ?, error_message = ?, started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at), ssh_port = COALESCE(?, ssh_port)
		WHERE task_id = ?
	`, string(to), update.ExitCode, nullIfEmpty(update.Message), update.StartedAt, update.CompletedAt, update.SSHPort, taskID)
	if err != nil {
		return fmt.Errorf("taskstore: update status for task %d: %w", taskID, err)
	}

	return tx.Commit()
}

// IncrementSuspicionCount bumps an assigning task's suspicion counter by one,
// per §4.C8.2's escalation toward failure.
func (s *Store) IncrementSuspicionCount(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET assignment_suspicion_count = assignment_suspicion_count + 1 WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("taskstore: increment suspicion count for task %d: %w", taskID, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// NextFreeSSHPort returns the smallest port >= 2222 not currently assigned to
// a non-terminal VPS task, per spec.md §4.C6.
func (s *Store) NextFreeSSHPort(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ssh_port FROM tasks
		WHERE task_type = 'vps' AND status IN ('pending', 'assigning', 'running', 'paused')
		AND ssh_port IS NOT NULL
		ORDER BY ssh_port ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("taskstore: next free ssh port: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return 0, err
		}
		used[port] = true
	}

	const base = 2222
	for port := base; ; port++ {
		if !used[port] {
			return port, nil
		}
	}
}

// GPUsInUseOnNode returns the set of GPU indices currently allocated to
// non-terminal tasks on hostname, for the §4.C7 pairwise-disjoint-GPU check.
func (s *Store) GPUsInUseOnNode(ctx context.Context, hostname string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT required_gpus_json FROM tasks
		WHERE assigned_node = ? AND status IN ('pending', 'assigning', 'running', 'paused')
	`, hostname)
	if err != nil {
		return nil, fmt.Errorf("taskstore: gpus in use for %s: %w", hostname, err)
	}
	defer rows.Close()

	inUse := make(map[int]bool)
	for rows.Next() {
		var gpusJSON string
		if err := rows.Scan(&gpusJSON); err != nil {
			return nil, err
		}
		var gpus []int
		if err := json.Unmarshal([]byte(gpusJSON), &gpus); err != nil {
			return nil, err
		}
		for _, g := range gpus {
			inUse[g] = true
		}
	}
	return inUse, rows.Err()
}

// ActiveVPSTasks returns every non-terminal VPS task, most recently
// submitted first, backing GET /vps/status.
func (s *Store) ActiveVPSTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE task_type = 'vps' AND status IN ('pending', 'assigning', 'running', 'paused')
		ORDER BY submitted_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("taskstore: active vps tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskstore: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
