package termproxy

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/hakuriver/pkg/log"
	"github.com/cuemby/hakuriver/pkg/taskstore"
	"github.com/cuemby/hakuriver/pkg/types"
)

// HostProxy serves /task/{id}/terminal on the host: it resolves task_id to
// the owning worker, dials the worker's matching endpoint, and reverse
// proxies frames byte-for-byte in both directions.
type HostProxy struct {
	Store *taskstore.Store
}

func (h *HostProxy) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/task/{id:[0-9]+}/terminal", h.serve)
	return r
}

func (h *HostProxy) serve(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("termproxy")

	var taskID int64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &taskID); err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	task, err := h.Store.GetTask(r.Context(), taskID)
	if err != nil || task == nil {
		http.Error(w, "unknown task_id", http.StatusNotFound)
		return
	}
	if task.Status != types.TaskStatusRunning {
		http.Error(w, "task is not running", http.StatusConflict)
		return
	}
	node, err := h.Store.GetNode(r.Context(), task.AssignedNode)
	if err != nil || node == nil {
		http.Error(w, "assigned node not found", http.StatusNotFound)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("client websocket upgrade failed")
		return
	}
	defer clientConn.Close()

	workerURL := strings.Replace(node.URL, "http://", "ws://", 1)
	workerURL = strings.Replace(workerURL, "https://", "wss://", 1)
	workerURL = fmt.Sprintf("%s/task/%d/terminal", workerURL, taskID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	workerConn, _, err := dialer.Dial(workerURL, nil)
	if err != nil {
		closeWithError(clientConn, websocket.CloseInternalServerErr, "could not reach worker")
		return
	}
	defer workerConn.Close()

	relay(clientConn, workerConn, logger)
}

// relay forwards whole WebSocket messages verbatim in both directions,
// terminating both legs as soon as either side closes.
func relay(a, b *websocket.Conn, logger zerolog.Logger) {
	done := make(chan struct{}, 2)

	forward := func(from, to *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, msg, err := from.ReadMessage()
			if err != nil {
				return
			}
			if err := to.WriteMessage(mt, msg); err != nil {
				logger.Debug().Err(err).Msg("terminal relay write failed")
				return
			}
		}
	}

	go forward(a, b)
	go forward(b, a)
	<-done
}
