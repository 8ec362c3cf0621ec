package sshmux

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/hakuriver/pkg/log"
)

// workerLink is the host's view of one worker's persistent framed
// connection, shared by every client channel multiplexed onto it.
type workerLink struct {
	hostname string
	conn     net.Conn
	writeMu  sync.Mutex

	mu         sync.Mutex
	channels   map[uint32]*channelPipe
	nextChanID uint32

	logger zerolog.Logger
}

// channelPipe adapts one multiplexed channel onto io.ReadWriteCloser so a
// client TCP connection can be io.Copy'd against it directly.
type channelPipe struct {
	id     uint32
	taskID uint64
	link   *workerLink
	r      *io.PipeReader
	w      *io.PipeWriter
	closed atomic.Bool
}

func (c *channelPipe) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *channelPipe) Write(p []byte) (int, error) {
	if err := c.link.writeFrame(Frame{ChannelID: c.id, TaskID: c.taskID, Flags: FlagData, Payload: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *channelPipe) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.link.writeFrame(Frame{ChannelID: c.id, TaskID: c.taskID, Flags: FlagClose})
		c.link.forget(c.id)
		_ = c.w.Close()
	}
	return nil
}

func newWorkerLink(hostname string, conn net.Conn) *workerLink {
	return &workerLink{
		hostname: hostname,
		conn:     conn,
		channels: make(map[uint32]*channelPipe),
		logger:   log.WithComponent("sshmux").With().Str("hostname", hostname).Logger(),
	}
}

func (l *workerLink) writeFrame(f Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return WriteFrame(l.conn, f)
}

// openChannel allocates a channel_id, sends OPEN, and returns a pipe the
// caller can bridge to a client TCP connection.
func (l *workerLink) openChannel(taskID int64) (*channelPipe, error) {
	l.mu.Lock()
	id := l.nextChanID
	l.nextChanID++
	pr, pw := io.Pipe()
	ch := &channelPipe{id: id, taskID: uint64(taskID), link: l, r: pr, w: pw}
	l.channels[id] = ch
	l.mu.Unlock()

	if err := l.writeFrame(Frame{ChannelID: id, TaskID: uint64(taskID), Flags: FlagOpen}); err != nil {
		l.forget(id)
		return nil, err
	}
	return ch, nil
}

func (l *workerLink) forget(id uint32) {
	l.mu.Lock()
	delete(l.channels, id)
	l.mu.Unlock()
}

// demux reads frames off the worker connection until it errors, routing
// DATA to the matching channel pipe and CLOSE/ERR to tear it down.
func (l *workerLink) demux() {
	for {
		f, err := ReadFrame(l.conn)
		if err != nil {
			l.logger.Info().Err(err).Msg("worker link closed")
			l.closeAll()
			return
		}
		l.mu.Lock()
		ch, ok := l.channels[f.ChannelID]
		l.mu.Unlock()
		if !ok {
			continue
		}
		switch f.Flags {
		case FlagData:
			if _, err := ch.w.Write(f.Payload); err != nil {
				l.forget(f.ChannelID)
			}
		case FlagClose, FlagErr:
			l.forget(f.ChannelID)
			_ = ch.w.Close()
		}
	}
}

func (l *workerLink) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.channels {
		_ = ch.w.Close()
		delete(l.channels, id)
	}
}

// NodeResolver resolves a task_id to the worker hostname and the
// client-facing SSH port it should listen on. pkg/coordinator wires this
// against the task store, rejecting anything but an active VPS.
type NodeResolver interface {
	ResolveVPS(ctx context.Context, taskID int64) (hostname string, sshPort int, err error)
}

// ProxyServer is the host-side half of C10: it accepts worker registration
// connections and per-VPS client listeners, multiplexing the latter onto
// the former.
type ProxyServer struct {
	resolver NodeResolver
	logger   zerolog.Logger

	mu      sync.Mutex
	workers map[string]*workerLink
}

// NewProxyServer returns a ProxyServer resolving task_ids through resolver.
func NewProxyServer(resolver NodeResolver) *ProxyServer {
	return &ProxyServer{
		resolver: resolver,
		logger:   log.WithComponent("sshmux"),
		workers:  make(map[string]*workerLink),
	}
}

// AcceptWorkers runs the accept loop for worker registration connections:
// each connection's first frame is an OPEN carrying the hostname as its
// payload, after which it becomes that worker's persistent link.
func (p *ProxyServer) AcceptWorkers(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.logger.Warn().Err(err).Msg("worker listener accept failed")
				continue
			}
		}
		go p.handleWorkerConn(conn)
	}
}

func (p *ProxyServer) handleWorkerConn(conn net.Conn) {
	hello, err := ReadFrame(conn)
	if err != nil || hello.Flags != FlagOpen {
		p.logger.Warn().Msg("worker connection sent no valid hello frame")
		_ = conn.Close()
		return
	}
	hostname := string(hello.Payload)

	link := newWorkerLink(hostname, conn)
	p.mu.Lock()
	p.workers[hostname] = link
	p.mu.Unlock()

	p.logger.Info().Str("hostname", hostname).Msg("worker link established")
	link.demux()

	p.mu.Lock()
	delete(p.workers, hostname)
	p.mu.Unlock()
}

// ServeVPS resolves taskID through the configured NodeResolver and opens its
// client-facing listener. Coordinator calls this once per VPS task as soon
// as it transitions to running.
func (p *ProxyServer) ServeVPS(ctx context.Context, taskID int64) error {
	hostname, sshPort, err := p.resolver.ResolveVPS(ctx, taskID)
	if err != nil {
		return fmt.Errorf("sshmux: resolve task %d: %w", taskID, err)
	}
	return p.ListenForVPS(ctx, taskID, hostname, sshPort)
}

// ListenForVPS binds sshPort and bridges every accepted client connection to
// taskID's channel on its assigned worker's link, until ctx is cancelled.
func (p *ProxyServer) ListenForVPS(ctx context.Context, taskID int64, hostname string, sshPort int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", sshPort))
	if err != nil {
		return fmt.Errorf("sshmux: listen for task %d on port %d: %w", taskID, sshPort, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			clientConn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.bridgeClient(clientConn, taskID, hostname)
		}
	}()
	return nil
}

func (p *ProxyServer) bridgeClient(clientConn net.Conn, taskID int64, hostname string) {
	defer clientConn.Close()

	p.mu.Lock()
	link, ok := p.workers[hostname]
	p.mu.Unlock()
	if !ok {
		p.logger.Warn().Str("hostname", hostname).Int64("task_id", taskID).Msg("no worker link for this node")
		return
	}

	ch, err := link.openChannel(taskID)
	if err != nil {
		p.logger.Warn().Err(err).Int64("task_id", taskID).Msg("failed to open channel")
		return
	}
	defer ch.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, clientConn); done <- struct{}{} }()
	go func() { io.Copy(clientConn, ch); done <- struct{}{} }()
	<-done
}
