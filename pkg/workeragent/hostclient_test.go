package workeragent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hakuriver/pkg/types"
)

func fakeHostServer(t *testing.T, heartbeatStatus int) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat/{host}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(heartbeatStatus)
	}).Methods(http.MethodPost)
	r.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	return httptest.NewServer(r)
}

func TestHostHTTPClient_Register(t *testing.T) {
	srv := fakeHostServer(t, http.StatusOK)
	defer srv.Close()

	c := NewHostHTTPClient(srv.URL, 2*time.Second)
	err := c.Register(context.Background(), types.RegistrationRequest{Hostname: "worker-1"})
	require.NoError(t, err)
}

func TestHostHTTPClient_Heartbeat_KnownHost(t *testing.T) {
	srv := fakeHostServer(t, http.StatusOK)
	defer srv.Close()

	c := NewHostHTTPClient(srv.URL, 2*time.Second)
	reregister, err := c.Heartbeat(context.Background(), types.Heartbeat{Hostname: "worker-1"})
	require.NoError(t, err)
	assert.False(t, reregister)
}

func TestHostHTTPClient_Heartbeat_UnknownHostSignalsReregister(t *testing.T) {
	srv := fakeHostServer(t, http.StatusNotFound)
	defer srv.Close()

	c := NewHostHTTPClient(srv.URL, 2*time.Second)
	reregister, err := c.Heartbeat(context.Background(), types.Heartbeat{Hostname: "ghost"})
	require.NoError(t, err)
	assert.True(t, reregister)
}

func TestHostHTTPClient_ReportStatus(t *testing.T) {
	srv := fakeHostServer(t, http.StatusOK)
	defer srv.Close()

	c := NewHostHTTPClient(srv.URL, 2*time.Second)
	err := c.ReportStatus(context.Background(), types.StatusUpdate{TaskID: 1, Status: types.TaskStatusRunning})
	require.NoError(t, err)
}

func TestHostHTTPClient_Unreachable(t *testing.T) {
	c := NewHostHTTPClient("http://127.0.0.1:1", 100*time.Millisecond)
	err := c.Register(context.Background(), types.RegistrationRequest{Hostname: "worker-1"})
	assert.Error(t, err)
}
