package sshmux

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/vault"
)

// WorkerConnector is the worker's half of C10: one persistent framed
// connection to the host's proxy, demultiplexed into per-channel TCP
// connections against 127.0.0.1:<task.ssh_port> inside the worker's own
// network namespace.
type WorkerConnector struct {
	Vault    *vault.Vault
	Hostname string

	conn    net.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[uint32]net.Conn

	logger zerolog.Logger
}

// Dial connects to the host's worker-registration address and sends the
// hello frame identifying this worker by hostname.
func Dial(ctx context.Context, hostAddr string, v *vault.Vault, hostname string) (*WorkerConnector, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("sshmux: dial host proxy %s: %w", hostAddr, err)
	}

	w := &WorkerConnector{
		Vault:    v,
		Hostname: hostname,
		conn:     conn,
		channels: make(map[uint32]net.Conn),
		logger:   log.WithComponent("sshmux").With().Str("hostname", hostname).Logger(),
	}
	if err := w.writeFrame(Frame{Flags: FlagOpen, Payload: []byte(hostname)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sshmux: send hello frame: %w", err)
	}
	return w, nil
}

func (w *WorkerConnector) writeFrame(f Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return WriteFrame(w.conn, f)
}

// Run reads frames off the host connection until it closes or ctx is
// cancelled, dispatching OPEN/DATA/CLOSE per channel.
func (w *WorkerConnector) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = w.conn.Close()
	}()

	for {
		f, err := ReadFrame(w.conn)
		if err != nil {
			w.closeAll()
			return err
		}
		switch f.Flags {
		case FlagOpen:
			w.handleOpen(ctx, f)
		case FlagData:
			w.handleData(f)
		case FlagClose:
			w.handleClose(f.ChannelID)
		}
	}
}

func (w *WorkerConnector) handleOpen(ctx context.Context, f Frame) {
	rec, ok, err := w.Vault.Get(vault.VPSSessions, int64(f.TaskID))
	if err != nil || !ok || rec.SSHPort == 0 {
		w.logger.Warn().Uint64("task_id", f.TaskID).Msg("OPEN for unknown or portless VPS task")
		_ = w.writeFrame(Frame{ChannelID: f.ChannelID, TaskID: f.TaskID, Flags: FlagErr})
		return
	}

	var d net.Dialer
	local, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", rec.SSHPort))
	if err != nil {
		w.logger.Warn().Err(err).Int("ssh_port", rec.SSHPort).Msg("failed to dial local VPS ssh port")
		_ = w.writeFrame(Frame{ChannelID: f.ChannelID, TaskID: f.TaskID, Flags: FlagErr})
		return
	}

	w.mu.Lock()
	w.channels[f.ChannelID] = local
	w.mu.Unlock()

	go w.pumpFromLocal(f.ChannelID, f.TaskID, local)
}

func (w *WorkerConnector) pumpFromLocal(channelID uint32, taskID uint64, local net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			if werr := w.writeFrame(Frame{ChannelID: channelID, TaskID: taskID, Flags: FlagData, Payload: buf[:n]}); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	_ = w.writeFrame(Frame{ChannelID: channelID, TaskID: taskID, Flags: FlagClose})
	w.handleClose(channelID)
}

func (w *WorkerConnector) handleData(f Frame) {
	w.mu.Lock()
	local, ok := w.channels[f.ChannelID]
	w.mu.Unlock()
	if !ok {
		return
	}
	if _, err := local.Write(f.Payload); err != nil {
		w.handleClose(f.ChannelID)
	}
}

func (w *WorkerConnector) handleClose(channelID uint32) {
	w.mu.Lock()
	local, ok := w.channels[channelID]
	delete(w.channels, channelID)
	w.mu.Unlock()
	if ok {
		_ = local.Close()
	}
}

func (w *WorkerConnector) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, conn := range w.channels {
		_ = conn.Close()
		delete(w.channels, id)
	}
}
