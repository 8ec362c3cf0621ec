// Package termproxy implements the two-hop WebSocket terminal tunnel (C9):
// client ⇄ host at /task/<id>/terminal, and host ⇄ worker at the same path.
// Grounded on gorilla/websocket's upgrade idiom used across the pack and the
// teacher's paired-goroutine bidirectional-forwarding shape seen in
// pkg/dns/server.go and pkg/ingress/proxy.go (independent-cancellation I/O).
package termproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/runtime"
	"github.com/cuemby/hakuriver/pkg/vault"
)

// Message is one wire frame of the terminal protocol, spec.md §4.C9.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

const (
	msgInput  = "input"
	msgResize = "resize"
	msgOutput = "output"
	msgError  = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WorkerHandler serves /task/{id}/terminal on the worker: resolves
// task_id → container_name via the vault, execs an interactive shell, and
// brokers the byte stream.
type WorkerHandler struct {
	RT    *runtime.Adapter
	Vault *vault.Vault
}

func (h *WorkerHandler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/task/{id:[0-9]+}/terminal", h.serve)
	return r
}

func (h *WorkerHandler) serve(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("termproxy")

	var taskID int64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &taskID); err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	rec, ok, err := h.Vault.Get(vault.RunningTasks, taskID)
	if err != nil || !ok {
		rec, ok, err = h.Vault.Get(vault.VPSSessions, taskID)
	}
	if err != nil {
		closeWithError(conn, websocket.CloseInternalServerErr, "failed to resolve container")
		return
	}
	if !ok {
		closeWithError(conn, websocket.ClosePolicyViolation, "container not found")
		return
	}

	if !h.RT.IsRunningQuiet(r.Context(), rec.ContainerName) {
		closeWithError(conn, websocket.ClosePolicyViolation, "container not running")
		return
	}

	stream, err := execShellWithFallback(r.Context(), h.RT, rec.ContainerName, fmt.Sprintf("term-%d", taskID))
	if err != nil {
		closeWithError(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}

	waitForInitialResize(conn, stream, 2*time.Second)
	_ = conn.WriteJSON(Message{Type: msgOutput, Data: ""})

	brokerSession(conn, stream, logger)
}

// execShellWithFallback prefers /bin/bash, falling back to /bin/sh.
func execShellWithFallback(ctx context.Context, rt *runtime.Adapter, containerName, execID string) (*runtime.ExecStream, error) {
	stream, err := rt.ExecInteractive(ctx, containerName, execID, []string{"/bin/bash"})
	if err == nil {
		return stream, nil
	}
	return rt.ExecInteractive(ctx, containerName, execID, []string{"/bin/sh"})
}

func waitForInitialResize(conn *websocket.Conn, stream *runtime.ExecStream, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == msgResize && stream.Resize != nil {
			_ = stream.Resize(uint16(msg.Cols), uint16(msg.Rows))
		}
	}()
	<-done
	_ = conn.SetReadDeadline(time.Time{})
}

// brokerSession runs two concurrent unidirectional forwarders; the first
// side to close terminates both, per spec.md §4.C9.
func brokerSession(conn *websocket.Conn, stream *runtime.ExecStream, logger zerolog.Logger) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 4096)
		for {
			n, err := stream.Stdout.Read(buf)
			if n > 0 {
				if werr := conn.WriteJSON(Message{Type: msgOutput, Data: string(buf[:n])}); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					logger.Debug().Err(err).Msg("container stdout read ended")
				}
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case msgInput:
				if _, err := stream.Stdin.Write([]byte(msg.Data)); err != nil {
					return
				}
			case msgResize:
				if stream.Resize != nil {
					_ = stream.Resize(uint16(msg.Cols), uint16(msg.Rows))
				}
			}
		}
	}()

	<-done
	_ = stream.Stdin.Close()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func closeWithError(conn *websocket.Conn, code int, msg string) {
	_ = conn.WriteJSON(Message{Type: msgError, Data: msg})
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), deadline)
}
