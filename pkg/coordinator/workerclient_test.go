package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hakuriver/pkg/types"
)

func fakeWorkerServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	r := mux.NewRouter()
	r.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "execute")
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	r.HandleFunc("/vps/create", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "vps/create")
		json.NewEncoder(w).Encode(map[string]int{"ssh_port": 2222})
	}).Methods(http.MethodPost)
	r.HandleFunc("/kill/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "kill/"+mux.Vars(r)["id"])
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	r.HandleFunc("/pause/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "pause/"+mux.Vars(r)["id"])
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	r.HandleFunc("/resume/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "resume/"+mux.Vars(r)["id"])
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	r.HandleFunc("/vps/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "vps-stop/"+mux.Vars(r)["id"])
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	return httptest.NewServer(r), &calls
}

func TestWorkerClient_Execute(t *testing.T) {
	srv, calls := fakeWorkerServer(t)
	defer srv.Close()

	c := NewWorkerClient(2 * time.Second)
	err := c.Execute(context.Background(), srv.URL, &types.Task{TaskID: 1})
	require.NoError(t, err)
	assert.Contains(t, *calls, "execute")
}

func TestWorkerClient_CreateVPS(t *testing.T) {
	srv, _ := fakeWorkerServer(t)
	defer srv.Close()

	c := NewWorkerClient(2 * time.Second)
	port, err := c.CreateVPS(context.Background(), srv.URL, &types.Task{TaskID: 1, Type: types.TaskTypeVPS})
	require.NoError(t, err)
	assert.Equal(t, 2222, port)
}

func TestWorkerClient_Kill(t *testing.T) {
	srv, calls := fakeWorkerServer(t)
	defer srv.Close()

	c := NewWorkerClient(2 * time.Second)
	err := c.Kill(context.Background(), srv.URL, 7, false)
	require.NoError(t, err)
	assert.Contains(t, *calls, "kill/7")
}

func TestWorkerClient_Unreachable(t *testing.T) {
	c := NewWorkerClient(100 * time.Millisecond)
	err := c.Execute(context.Background(), "http://127.0.0.1:1", &types.Task{TaskID: 1})
	assert.Error(t, err)
}
