// Package executor is the worker's heart (C4): it turns host-issued task
// descriptions into running containers, tracks them in the worker state
// vault, and reports status back to the coordinator.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/hakuriver/pkg/imagestore"
	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/runtime"
	"github.com/cuemby/hakuriver/pkg/types"
	"github.com/cuemby/hakuriver/pkg/vault"
)

// Reporter sends a task's status to the host coordinator, grounded on the
// worker's /update call.
type Reporter interface {
	ReportStatus(ctx context.Context, update types.StatusUpdate) error
}

// Executor owns the worker's containers: naming, image freshness, launch,
// pause/resume/kill, and startup reconciliation.
type Executor struct {
	RT         *runtime.Adapter
	Vault      *vault.Vault
	Images     *imagestore.Store
	Reporter   Reporter
	SharedDir  string
	LocalTemp  string
	PortProbeAttempts int
	PortProbeDelay    time.Duration
}

// New returns an Executor with sane polling defaults for VPS port discovery.
func New(rt *runtime.Adapter, v *vault.Vault, images *imagestore.Store, reporter Reporter, sharedDir, localTemp string) *Executor {
	return &Executor{
		RT:                rt,
		Vault:             v,
		Images:            images,
		Reporter:          reporter,
		SharedDir:         sharedDir,
		LocalTemp:         localTemp,
		PortProbeAttempts: 20,
		PortProbeDelay:    250 * time.Millisecond,
	}
}

// ContainerName returns the unambiguous name for a task, per §4.C4.1.
func ContainerName(t types.TaskType, taskID int64) string {
	switch t {
	case types.TaskTypeVPS:
		return fmt.Sprintf("hakuriver-vps-%d", taskID)
	default:
		return fmt.Sprintf("hakuriver-task-%d", taskID)
	}
}

// EnvContainerName returns the name for an environment-prep container.
func EnvContainerName(env string) string {
	return fmt.Sprintf("hakuriver-env-%s", env)
}

// EnsureImageFresh implements §4.C4.2's needs_sync check: it loads the
// shared store's tarball for env only if it is newer than the local image.
func (e *Executor) EnsureImageFresh(ctx context.Context, env string, localTimestamp func(tag string) (int64, bool)) error {
	latest, ok, err := e.Images.Latest(env)
	if err != nil {
		return fmt.Errorf("executor: image freshness check for %s: %w", env, err)
	}
	if !ok {
		return nil
	}

	tag := imagestore.ImageTag(env)
	localTS, haveLocal := localTimestamp(tag)
	if haveLocal && localTS >= latest.Timestamp {
		return nil
	}

	if err := e.RT.Load(ctx, latest.Path, tag); err != nil {
		return fmt.Errorf("image_sync_failed: %w", err)
	}
	return nil
}

// CommandTaskInput is the host's /execute request body for a batch task.
type CommandTaskInput struct {
	TaskID              int64
	Command             string
	Arguments           []string
	Env                 []string
	RequiredCores       int
	RequiredGPUs        []int
	RequiredMemoryBytes int64
	TargetNumaNodeID    *int
	NumaCores           []int
	DockerImageTag      string
	ContainerName       string
	Privileged          bool
	MountDirs           []string
	WorkingDir          string
	StdoutPath          string
	StderrPath          string
}

// LaunchCommandTask runs the full §4.C4.3 sequence: record in the vault
// before creating the container, create+start, report running, wait for
// exit in the background, report the final status, then clean up.
func (e *Executor) LaunchCommandTask(ctx context.Context, in CommandTaskInput) error {
	name := in.ContainerName
	if name == "" {
		name = ContainerName(types.TaskTypeCommand, in.TaskID)
	}

	rec := &types.WorkerTaskRecord{
		TaskID:         in.TaskID,
		ContainerName:  name,
		AllocatedCores: in.RequiredCores,
		AllocatedGPUs:  in.RequiredGPUs,
		NumaNode:       in.TargetNumaNodeID,
	}
	if err := e.Vault.Put(vault.RunningTasks, in.TaskID, rec); err != nil {
		return fmt.Errorf("executor: record task %d before launch: %w", in.TaskID, err)
	}

	mounts := defaultMounts(e.SharedDir, e.LocalTemp)
	for _, m := range in.MountDirs {
		mounts = append(mounts, runtime.Mount{Source: m, Destination: m})
	}

	spec := runtime.CreateSpec{
		Image:       in.DockerImageTag,
		Name:        name,
		Command:     append([]string{in.Command}, in.Arguments...),
		CPUCores:    float64(in.RequiredCores),
		MemoryBytes: in.RequiredMemoryBytes,
		CPUPinCores: in.NumaCores,
		NumaMems:    numaMemsFromNode(in.TargetNumaNodeID),
		GPUIDs:      in.RequiredGPUs,
		Mounts:      mounts,
		Env:         in.Env,
		WorkingDir:  in.WorkingDir,
		Privileged:  in.Privileged,
		NetworkMode: "host",
		Labels: map[string]string{
			"task_id":   fmt.Sprintf("%d", in.TaskID),
			"task_type": string(types.TaskTypeCommand),
		},
	}

	if err := e.RT.Create(ctx, spec); err != nil {
		e.reportFailed(ctx, in.TaskID, fmt.Sprintf("create container: %v", err))
		_ = e.Vault.Delete(vault.RunningTasks, in.TaskID)
		return err
	}

	stdout, stderr, err := openLogFiles(in.StdoutPath, in.StderrPath)
	if err != nil {
		e.reportFailed(ctx, in.TaskID, fmt.Sprintf("open log files: %v", err))
		return err
	}
	defer stdout.Close()
	defer stderr.Close()

	if err := e.RT.StartWithIO(ctx, name, stdout, stderr); err != nil {
		e.reportFailed(ctx, in.TaskID, fmt.Sprintf("start container: %v", err))
		_ = e.RT.Remove(ctx, name, true)
		_ = e.Vault.Delete(vault.RunningTasks, in.TaskID)
		return err
	}

	now := time.Now()
	if err := e.Reporter.ReportStatus(ctx, types.StatusUpdate{TaskID: in.TaskID, Status: types.TaskStatusRunning, StartedAt: &now}); err != nil {
		log.WithComponent("executor").Warn().Err(err).Int64("task_id", in.TaskID).Msg("failed to report running status")
	}

	go e.awaitCommandExit(ctx, in.TaskID, name)
	return nil
}

func (e *Executor) awaitCommandExit(ctx context.Context, taskID int64, name string) {
	exitCode, err := e.RT.Wait(ctx, name)
	completedAt := time.Now()

	status := types.TaskStatusCompleted
	msg := ""
	if err != nil || exitCode != 0 {
		status = types.TaskStatusFailed
		if err != nil {
			msg = err.Error()
		}
	}

	update := types.StatusUpdate{
		TaskID:      taskID,
		Status:      status,
		ExitCode:    &exitCode,
		Message:     msg,
		CompletedAt: &completedAt,
	}
	if repErr := e.Reporter.ReportStatus(ctx, update); repErr != nil {
		log.WithComponent("executor").Warn().Err(repErr).Int64("task_id", taskID).Msg("failed to report final status")
	}

	if err := e.RT.Remove(ctx, name, true); err != nil {
		log.WithComponent("executor").Warn().Err(err).Str("container", name).Msg("remove after exit failed")
	}
	if err := e.Vault.Delete(vault.RunningTasks, taskID); err != nil {
		log.WithComponent("executor").Warn().Err(err).Int64("task_id", taskID).Msg("vault cleanup after exit failed")
	}
}

func (e *Executor) reportFailed(ctx context.Context, taskID int64, reason string) {
	now := time.Now()
	update := types.StatusUpdate{TaskID: taskID, Status: types.TaskStatusFailed, Message: reason, CompletedAt: &now}
	if err := e.Reporter.ReportStatus(ctx, update); err != nil {
		log.WithComponent("executor").Warn().Err(err).Int64("task_id", taskID).Msg("failed to report failure status")
	}
}

// packageManagerFor picks the install command family for an image's OS
// family, per §4.C4.4's detector.
func packageManagerFor(osFamily string) string {
	switch {
	case strings.Contains(osFamily, "alpine"):
		return "apk"
	case strings.Contains(osFamily, "debian"), strings.Contains(osFamily, "ubuntu"):
		return "apt"
	case strings.Contains(osFamily, "fedora"):
		return "dnf"
	case strings.Contains(osFamily, "rhel"), strings.Contains(osFamily, "centos"), strings.Contains(osFamily, "rocky"), strings.Contains(osFamily, "alma"):
		return "yum"
	case strings.Contains(osFamily, "suse"):
		return "zypper"
	case strings.Contains(osFamily, "arch"):
		return "pacman"
	default:
		return "apt"
	}
}

// sshEntrypoint builds the shell command that installs and configures sshd
// inside a VPS container according to ssh_key_mode, per §4.C4.4.
func sshEntrypoint(pkgMgr string, mode types.SSHKeyMode, publicKey string) []string {
	var install string
	switch pkgMgr {
	case "apk":
		install = "apk add --no-cache openssh"
	case "apt":
		install = "apt-get update && apt-get install -y openssh-server"
	case "dnf":
		install = "dnf install -y openssh-server"
	case "yum":
		install = "yum install -y openssh-server"
	case "zypper":
		install = "zypper install -y openssh"
	case "pacman":
		install = "pacman -Sy --noconfirm openssh"
	default:
		install = "apt-get update && apt-get install -y openssh-server"
	}

	var configure string
	switch mode {
	case types.SSHKeyModeNone:
		configure = `sed -i 's/^#\?PasswordAuthentication.*/PasswordAuthentication yes/' /etc/ssh/sshd_config && ` +
			`sed -i 's/^#\?PermitEmptyPasswords.*/PermitEmptyPasswords yes/' /etc/ssh/sshd_config && passwd -d root`
	case types.SSHKeyModeUpload, types.SSHKeyModeGenerate:
		configure = `sed -i 's/^#\?PasswordAuthentication.*/PasswordAuthentication no/' /etc/ssh/sshd_config && ` +
			`mkdir -p /root/.ssh && chmod 700 /root/.ssh && echo '` + publicKey + `' > /root/.ssh/authorized_keys && chmod 600 /root/.ssh/authorized_keys`
	default:
		configure = "true"
	}

	script := install + " && " + configure + " && exec /usr/sbin/sshd -D"
	return []string{"/bin/sh", "-c", script}
}

// VPSLaunchInput is the host's /vps/create request body.
type VPSLaunchInput struct {
	TaskID              int64
	RequiredCores       int
	RequiredGPUs        []int
	RequiredMemoryBytes int64
	TargetNumaNodeID    *int
	NumaCores           []int
	ContainerName       string
	DockerImageTag      string
	OSFamily            string
	SSHKeyMode          types.SSHKeyMode
	SSHPublicKey        string
}

// LaunchVPS runs the §4.C4.4 sequence: detect the package manager, build the
// sshd-installing entrypoint, create+start with a restart policy, then poll
// for the published SSH port (skipped when ssh_key_mode is disabled).
func (e *Executor) LaunchVPS(ctx context.Context, in VPSLaunchInput) (sshPort int, err error) {
	name := in.ContainerName
	if name == "" {
		name = ContainerName(types.TaskTypeVPS, in.TaskID)
	}

	rec := &types.WorkerTaskRecord{
		TaskID:         in.TaskID,
		ContainerName:  name,
		AllocatedCores: in.RequiredCores,
		AllocatedGPUs:  in.RequiredGPUs,
		NumaNode:       in.TargetNumaNodeID,
	}
	if err := e.Vault.Put(vault.VPSSessions, in.TaskID, rec); err != nil {
		return 0, fmt.Errorf("executor: record vps %d before launch: %w", in.TaskID, err)
	}

	var command []string
	if in.SSHKeyMode != types.SSHKeyModeDisabled {
		pkgMgr := packageManagerFor(in.OSFamily)
		command = sshEntrypoint(pkgMgr, in.SSHKeyMode, in.SSHPublicKey)
	} else {
		command = []string{"/bin/sh", "-c", "tail -f /dev/null"}
	}

	spec := runtime.CreateSpec{
		Image:         in.DockerImageTag,
		Name:          name,
		Command:       command,
		CPUCores:      float64(in.RequiredCores),
		MemoryBytes:   in.RequiredMemoryBytes,
		CPUPinCores:   in.NumaCores,
		NumaMems:      numaMemsFromNode(in.TargetNumaNodeID),
		GPUIDs:        in.RequiredGPUs,
		Mounts:        defaultMounts(e.SharedDir, e.LocalTemp),
		WorkingDir:    "/",
		RestartPolicy: "unless-stopped",
		NetworkMode:   "host",
		Labels: map[string]string{
			"task_id":   fmt.Sprintf("%d", in.TaskID),
			"task_type": string(types.TaskTypeVPS),
		},
	}
	if in.SSHKeyMode != types.SSHKeyModeDisabled {
		spec.PortPublish = []runtime.PortPublish{{ContainerPort: 22}}
	}

	if err := e.RT.Create(ctx, spec); err != nil {
		_ = e.Vault.Delete(vault.VPSSessions, in.TaskID)
		return 0, fmt.Errorf("executor: create vps container: %w", err)
	}
	if err := e.RT.Start(ctx, name); err != nil {
		_ = e.RT.Remove(ctx, name, true)
		_ = e.Vault.Delete(vault.VPSSessions, in.TaskID)
		return 0, fmt.Errorf("executor: start vps container: %w", err)
	}

	if in.SSHKeyMode == types.SSHKeyModeDisabled {
		return 0, nil
	}

	for attempt := 0; attempt < e.PortProbeAttempts; attempt++ {
		port, ok, err := e.RT.PortLookup(ctx, name, 22)
		if err == nil && ok {
			rec.SSHPort = port
			_ = e.Vault.Put(vault.VPSSessions, in.TaskID, rec)
			return port, nil
		}
		time.Sleep(e.PortProbeDelay)
	}
	return 0, fmt.Errorf("executor: vps %d: ssh port never published", in.TaskID)
}

// Pause suspends a running or VPS task's container and records it as paused.
func (e *Executor) Pause(ctx context.Context, taskID int64) error {
	rec, ok, err := e.Vault.Get(vault.RunningTasks, taskID)
	coll := vault.RunningTasks
	if err != nil {
		return err
	}
	if !ok {
		rec, ok, err = e.Vault.Get(vault.VPSSessions, taskID)
		coll = vault.VPSSessions
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("executor: task %d not tracked as running", taskID)
		}
	}
	if err := e.RT.Pause(ctx, rec.ContainerName); err != nil {
		return fmt.Errorf("executor: pause %d: %w", taskID, err)
	}
	return e.Vault.Move(coll, vault.PausedTasks, taskID, rec)
}

// Resume un-pauses a previously paused task's container.
func (e *Executor) Resume(ctx context.Context, taskID int64, wasVPS bool) error {
	rec, ok, err := e.Vault.Get(vault.PausedTasks, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("executor: task %d not tracked as paused", taskID)
	}
	if err := e.RT.Unpause(ctx, rec.ContainerName); err != nil {
		return fmt.Errorf("executor: resume %d: %w", taskID, err)
	}
	dest := vault.RunningTasks
	if wasVPS {
		dest = vault.VPSSessions
	}
	return e.Vault.Move(vault.PausedTasks, dest, taskID, rec)
}

// Kill stops and removes a task's container per §4.C4.5, reporting "killed"
// if the container was found, or a diagnostic message if it was already gone.
func (e *Executor) Kill(ctx context.Context, taskID int64, isVPS bool) error {
	coll := vault.RunningTasks
	if isVPS {
		coll = vault.VPSSessions
	}
	rec, ok, err := e.Vault.Get(coll, taskID)
	if err != nil {
		return err
	}
	if !ok {
		rec, ok, err = e.Vault.Get(vault.PausedTasks, taskID)
		coll = vault.PausedTasks
		if err != nil {
			return err
		}
	}

	now := time.Now()
	if !ok {
		return e.Reporter.ReportStatus(ctx, types.StatusUpdate{
			TaskID: taskID, Status: types.TaskStatusKilled,
			Message: "container already gone", CompletedAt: &now,
		})
	}

	if err := e.RT.Stop(ctx, rec.ContainerName, 10*time.Second); err != nil {
		log.WithComponent("executor").Warn().Err(err).Int64("task_id", taskID).Msg("stop during kill failed")
	}
	if err := e.RT.Remove(ctx, rec.ContainerName, true); err != nil {
		log.WithComponent("executor").Warn().Err(err).Int64("task_id", taskID).Msg("remove during kill failed")
	}
	_ = e.Vault.Delete(coll, taskID)

	return e.Reporter.ReportStatus(ctx, types.StatusUpdate{TaskID: taskID, Status: types.TaskStatusKilled, CompletedAt: &now})
}

// ReconcileOnStartup implements §4.C4.6: for every record the vault still
// holds whose container the runtime does not report as running (missing or
// exited), report the task stopped with exit code -1 and remove the record.
// Records whose container is running are left as they are.
func (e *Executor) ReconcileOnStartup(ctx context.Context) error {
	for _, coll := range []vault.Collection{vault.RunningTasks, vault.VPSSessions, vault.PausedTasks} {
		recs, err := e.Vault.List(coll)
		if err != nil {
			return fmt.Errorf("executor: reconcile list %s: %w", coll, err)
		}
		for _, rec := range recs {
			running := e.RT.IsRunningQuiet(ctx, rec.ContainerName)
			if running {
				continue
			}
			now := time.Now()
			exitCode := -1
			_ = e.Reporter.ReportStatus(ctx, types.StatusUpdate{
				TaskID: rec.TaskID, Status: types.TaskStatusStopped, ExitCode: &exitCode,
				Message: "container missing on worker restart", CompletedAt: &now,
			})
			_ = e.Vault.Delete(coll, rec.TaskID)
		}
	}
	return nil
}

func defaultMounts(sharedDir, localTemp string) []runtime.Mount {
	var mounts []runtime.Mount
	if sharedDir != "" {
		mounts = append(mounts, runtime.Mount{Source: sharedDir, Destination: "/shared"})
	}
	if localTemp != "" {
		mounts = append(mounts, runtime.Mount{Source: localTemp, Destination: "/local_temp"})
	}
	return mounts
}

func numaMemsFromNode(node *int) []int {
	if node == nil {
		return nil
	}
	return []int{*node}
}

func openLogFiles(stdoutPath, stderrPath string) (*os.File, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0o755); err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(stderrPath), 0o755); err != nil {
		return nil, nil, err
	}
	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

// signalName maps a symbolic signal name (SIGKILL, SIGINT, case-insensitive)
// to a syscall.Signal, defaulting to SIGTERM for any other name.
func signalName(name string) syscall.Signal {
	switch strings.ToUpper(name) {
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGINT":
		return syscall.SIGINT
	default:
		return syscall.SIGTERM
	}
}
