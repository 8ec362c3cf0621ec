// Package runtime is the uniform wrapper (C2) around the local container
// runtime used by pkg/executor. Every operation talks to a single
// containerd namespace and every container it manages carries the
// managed=true label set, which is the sole source of truth for whether a
// runtime-level container belongs to hakuriver.
package runtime

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/console"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/mount"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/snapshots"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/hakuriver/pkg/log"
)

// Namespace is the containerd namespace hakuriver operates in.
const Namespace = "hakuriver"

// DefaultSocketPath is the default containerd control socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// PortPublish maps a container-internal TCP port to a host port. HostPort
// zero means "let the runtime pick an ephemeral port".
type PortPublish struct {
	ContainerPort int
	HostPort      int
}

// Mount is a host-path bind mount.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// CreateSpec carries every field C4 may request when materializing a
// container, per spec.md §4.C2.
type CreateSpec struct {
	Image          string
	Name           string
	Command        []string
	CPUCores       float64
	MemoryBytes    int64
	CPUPinCores    []int
	NumaMems       []int
	GPUIDs         []int
	Mounts         []Mount
	Env            []string
	WorkingDir     string
	Privileged     bool
	PortPublish    []PortPublish
	Labels         map[string]string
	RestartPolicy  string
	NetworkMode    string
}

// Adapter is the containerd-backed implementation of the runtime wrapper.
type Adapter struct {
	client    *containerd.Client
	namespace string
}

// New connects to containerd at socketPath (DefaultSocketPath if empty).
func New(socketPath string) (*Adapter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd: %w", err)
	}
	return &Adapter{client: client, namespace: Namespace}, nil
}

// Close releases the containerd client connection.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *Adapter) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, a.namespace)
}

// ImageExists reports whether tag is present in the local content store.
func (a *Adapter) ImageExists(ctx context.Context, tag string) (bool, error) {
	ctx = a.ctx(ctx)
	_, err := a.client.GetImage(ctx, tag)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Pull fetches imageRef from a registry and unpacks it.
func (a *Adapter) Pull(ctx context.Context, imageRef string) error {
	ctx = a.ctx(ctx)
	if _, err := a.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("runtime: pull %s: %w", imageRef, err)
	}
	return nil
}

// Create materializes (but does not start) a container per spec.
func (a *Adapter) Create(ctx context.Context, spec CreateSpec) error {
	ctx = a.ctx(ctx)

	image, err := a.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("runtime: get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if spec.Privileged {
		opts = append(opts, oci.WithPrivileged, oci.WithAllDevicesAllowed, oci.WithHostNamespace(specs.NetworkNamespace))
	}
	if spec.NetworkMode == "host" {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace), oci.WithHostHostsFile, oci.WithHostResolvconf)
	}

	if spec.CPUCores > 0 {
		shares := uint64(spec.CPUCores * 1024)
		quota := int64(spec.CPUCores * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}
	if len(spec.CPUPinCores) > 0 {
		opts = append(opts, oci.WithCPUs(cpuList(spec.CPUPinCores)))
	}
	if len(spec.NumaMems) > 0 {
		opts = append(opts, oci.WithCPUsMems(cpuList(spec.NumaMems)))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		opt := []string{"rbind"}
		if m.ReadOnly {
			opt = append(opt, "ro")
		} else {
			opt = append(opt, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     opt,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := map[string]string{"managed": "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	}

	if _, err := a.client.NewContainer(ctx, spec.Name, containerOpts...); err != nil {
		return fmt.Errorf("runtime: create container %s: %w", spec.Name, err)
	}
	return nil
}

func cpuList(ids []int) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += ","
		}
		s += strconv.Itoa(id)
	}
	return s
}

// Start launches the process inside a previously created container.
func (a *Adapter) Start(ctx context.Context, name string) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("runtime: create task %s: %w", name, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start task %s: %w", name, err)
	}
	return nil
}

// StartWithIO launches the process with its stdout/stderr teed to the given
// writers, as required by command-task launches that must stream into
// host-provided log files on the shared filesystem.
func (a *Adapter) StartWithIO(ctx context.Context, name string, stdout, stderr io.Writer) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	creator := cio.NewCreator(cio.WithStreams(nil, stdout, stderr))
	task, err := c.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("runtime: create task %s: %w", name, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start task %s: %w", name, err)
	}
	return nil
}

// Wait blocks until the container's task exits and returns its exit code.
func (a *Adapter) Wait(ctx context.Context, name string) (int, error) {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return -1, fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("runtime: load task %s: %w", name, err)
	}
	statusC, err := task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("runtime: wait task %s: %w", name, err)
	}
	status := <-statusC
	return int(status.ExitCode()), status.Error()
}

// Stop gracefully stops a container's task, escalating to SIGKILL if it does
// not exit within timeout.
func (a *Adapter) Stop(ctx context.Context, name string, timeout time.Duration) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("runtime: wait task %s: %w", name, err)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("runtime: sigterm task %s: %w", name, err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("runtime: sigkill task %s: %w", name, err)
		}
		<-statusC
	}
	if _, err := task.Delete(ctx); err != nil {
		log.WithComponent("runtime").Warn().Err(err).Str("container", name).Msg("task delete after stop failed")
	}
	return nil
}

// Pause suspends a running container's task.
func (a *Adapter) Pause(ctx context.Context, name string) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("runtime: load task %s: %w", name, err)
	}
	if err := task.Pause(ctx); err != nil {
		return fmt.Errorf("runtime: pause %s: %w", name, err)
	}
	return nil
}

// Unpause resumes a paused container's task.
func (a *Adapter) Unpause(ctx context.Context, name string) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("runtime: load task %s: %w", name, err)
	}
	if err := task.Resume(ctx); err != nil {
		return fmt.Errorf("runtime: resume %s: %w", name, err)
	}
	return nil
}

// Kill sends signal to a container's task.
func (a *Adapter) Kill(ctx context.Context, name string, signal syscall.Signal) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("runtime: load task %s: %w", name, err)
	}
	return task.Kill(ctx, signal)
}

// Remove deletes a container and its snapshot. If force is true a running
// task is stopped first.
func (a *Adapter) Remove(ctx context.Context, name string, force bool) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return nil
	}
	if task, err := c.Task(ctx, nil); err == nil {
		if !force {
			return fmt.Errorf("runtime: container %s has a running task", name)
		}
		if err := a.Stop(ctx, name, 10*time.Second); err != nil {
			log.WithComponent("runtime").Warn().Err(err).Str("container", name).Msg("stop before remove failed")
		}
		_ = task
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("runtime: delete container %s: %w", name, err)
	}
	return nil
}

// PortLookup returns the host port a container's innerPort is published to,
// or ok=false if it has no such mapping recorded.
func (a *Adapter) PortLookup(ctx context.Context, name string, innerPort int) (hostPort int, ok bool, err error) {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return 0, false, fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	labels, err := c.Labels(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("runtime: labels %s: %w", name, err)
	}
	key := fmt.Sprintf("hakuriver.port.%d", innerPort)
	val, found := labels[key]
	if !found {
		return 0, false, nil
	}
	port, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("runtime: parse published port label %s: %w", key, err)
	}
	return port, true, nil
}

// IsRunningQuiet reports whether name currently has a running task,
// swallowing any lookup error as "not running" — used by the executor's
// startup reconciliation, which only cares about drift, not failure causes.
func (a *Adapter) IsRunningQuiet(ctx context.Context, name string) bool {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return false
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running || status.Status == containerd.Paused
}

// ResizeFunc receives new PTY dimensions during an interactive exec.
type ResizeFunc func(cols, rows uint16) error

// ExecStream is an active interactive exec session's I/O and resize handle.
type ExecStream struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Resize ResizeFunc
	Wait   func() (int, error)
}

// ExecInteractive starts shell inside a running container attached to a PTY,
// returning a bidirectional stream and a resize callback, per spec.md's
// terminal-access requirement.
func (a *Adapter) ExecInteractive(ctx context.Context, containerName, execID string, shell []string) (*ExecStream, error) {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, containerName)
	if err != nil {
		return nil, fmt.Errorf("runtime: load container %s: %w", containerName, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("runtime: load task %s: %w", containerName, err)
	}

	pr, pw := io.Pipe()
	outR, outW := io.Pipe()

	spec := &specs.Process{
		Args: shell,
		Cwd:  "/",
		Terminal: true,
	}

	execTask, err := task.Exec(ctx, execID, spec, cio.NewCreator(cio.WithStreams(pr, outW, nil), cio.WithTerminal))
	if err != nil {
		return nil, fmt.Errorf("runtime: exec %s: %w", containerName, err)
	}
	if err := execTask.Start(ctx); err != nil {
		return nil, fmt.Errorf("runtime: start exec %s: %w", containerName, err)
	}

	resize := func(cols, rows uint16) error {
		return execTask.Resize(ctx, uint32(cols), uint32(rows))
	}

	wait := func() (int, error) {
		statusC, err := execTask.Wait(ctx)
		if err != nil {
			return -1, err
		}
		status := <-statusC
		return int(status.ExitCode()), status.Error()
	}

	return &ExecStream{Stdin: pw, Stdout: outR, Resize: resize, Wait: wait}, nil
}

// Commit snapshots a running container's rootfs into a tarball at destPath.
// This is deliberately a raw rootfs archive rather than a layered OCI image:
// hakuriver's image store round-trips tarballs between workers via its own
// Save/Load pair, it never pushes to a registry, so a flat tar is sufficient
// and avoids needing a diff/export pipeline.
func (a *Adapter) Commit(ctx context.Context, containerName, destPath string) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, containerName)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", containerName, err)
	}
	info, err := c.Info(ctx)
	if err != nil {
		return fmt.Errorf("runtime: container info %s: %w", containerName, err)
	}

	mounts, err := a.client.SnapshotService(info.Snapshotter).Mounts(ctx, info.SnapshotKey)
	if err != nil {
		return fmt.Errorf("runtime: snapshot mounts %s: %w", containerName, err)
	}

	return mount.WithTempMount(ctx, mounts, func(root string) error {
		return tarDir(root, destPath)
	})
}

// Save does not write a tarball: it always returns an error pointing callers
// at CommitAndSave, which commits and writes in one pass and is the only
// method pkg/imagestore.Committer requires.
func (a *Adapter) Save(ctx context.Context, tag, path string) error {
	return fmt.Errorf("runtime: save %s: use CommitAndSave, images here are not separately tagged in the content store", tag)
}

// CommitAndSave satisfies pkg/imagestore.Committer: it tars sourceContainer's
// rootfs to destPath. repoTag is recorded by the caller (pkg/imagestore)
// purely in the tarball's filename; it is not registered as a containerd
// image until Load runs it through NewSnapshot on the destination worker.
func (a *Adapter) CommitAndSave(ctx context.Context, sourceContainer, repoTag, destPath string) error {
	return a.Commit(ctx, sourceContainer, destPath)
}

// Load imports a rootfs tarball at path as a new local image tag, usable by
// Create as an Image field going forward.
func (a *Adapter) Load(ctx context.Context, path, tag string) error {
	ctx = a.ctx(ctx)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("runtime: open %s: %w", path, err)
	}
	defer f.Close()

	snapshotter := a.client.SnapshotService(containerd.DefaultSnapshotter)
	key := tag + "-loaded"
	mounts, err := snapshotter.Prepare(ctx, key, "")
	if err != nil {
		return fmt.Errorf("runtime: prepare snapshot for %s: %w", tag, err)
	}
	if err := mount.WithTempMount(ctx, mounts, func(root string) error {
		return untarDir(f, root)
	}); err != nil {
		return fmt.Errorf("runtime: untar %s into snapshot: %w", path, err)
	}
	if _, err := snapshotter.Commit(ctx, tag+"-rootfs", key); err != nil {
		return fmt.Errorf("runtime: commit snapshot for %s: %w", tag, err)
	}
	return nil
}

// RemoveImage deletes a local image tag.
func (a *Adapter) RemoveImage(ctx context.Context, tag string) error {
	ctx = a.ctx(ctx)
	if err := a.client.ImageService().Delete(ctx, tag); err != nil {
		return fmt.Errorf("runtime: remove image %s: %w", tag, err)
	}
	return nil
}

// PruneDangling removes snapshots left behind by superseded loads.
func (a *Adapter) PruneDangling(ctx context.Context) error {
	ctx = a.ctx(ctx)
	ss := a.client.SnapshotService(containerd.DefaultSnapshotter)
	images, err := a.client.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("runtime: list images: %w", err)
	}
	inUse := make(map[string]bool, len(images))
	for _, img := range images {
		inUse[img.Name()+"-rootfs"] = true
	}

	var dangling []string
	if err := ss.Walk(ctx, func(ctx context.Context, info snapshots.Info) error {
		if !inUse[info.Name] {
			dangling = append(dangling, info.Name)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("runtime: walk snapshots: %w", err)
	}

	for _, key := range dangling {
		if err := ss.Remove(ctx, key); err != nil {
			log.WithComponent("runtime").Warn().Err(err).Str("snapshot", key).Msg("prune: remove failed")
		}
	}
	return nil
}

func tarDir(root, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	defer tw.Close()

	return filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func untarDir(r io.Reader, root string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dest := filepath.Join(root, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

// ConsoleSize reads the current size of a local terminal, used by
// pkg/termproxy when forwarding an operator's PTY dimensions.
func ConsoleSize(c console.Console) (cols, rows uint16, err error) {
	ws, err := c.Size()
	if err != nil {
		return 0, 0, err
	}
	return ws.Width, ws.Height, nil
}
