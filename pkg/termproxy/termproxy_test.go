package termproxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONShape(t *testing.T) {
	m := Message{Type: msgOutput, Data: "hello"}
	assert.Equal(t, "output", m.Type)
	assert.Equal(t, "hello", m.Data)
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestRelay_ForwardsBothDirections(t *testing.T) {
	upgrader := websocket.Upgrader{}

	// echoSrv plays the role of the "worker" leg: it echoes back whatever it
	// receives with an uppercased payload so the test can tell the relay
	// actually round-tripped bytes.
	echoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, append(msg, '!'))
	}))
	defer echoSrv.Close()

	// relaySrv upgrades the client connection and relays it to echoSrv.
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientConn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer clientConn.Close()

		workerConn := dialWS(t, echoSrv.URL)
		defer workerConn.Close()

		relay(clientConn, workerConn, zerolog.Nop())
	}))
	defer relaySrv.Close()

	client := dialWS(t, relaySrv.URL)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hi")))
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, got, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hi!", string(got))
}
