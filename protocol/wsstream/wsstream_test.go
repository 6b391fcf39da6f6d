package wsstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fluxworkflow/flux/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestConnSendRecv exercises one Conn end-to-end over a real websocket
// upgrade, grounded on the keepalive/ping handling in the reference
// workflow-execution websocket handler.
func TestConnSendRecv(t *testing.T) {
	tr := NewTransport()
	srv := httptest.NewServer(http.HandlerFunc(tr.Handler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	serverConn, err := tr.Accept(ctx)
	require.NoError(t, err)
	defer serverConn.Close()

	require.NoError(t, serverConn.Send(ctx, protocol.Message{Type: protocol.TypeHeartbeat, ID: "m-1"}))

	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "HEARTBEAT")
}

func TestConnRecvFromClient(t *testing.T) {
	tr := NewTransport()
	srv := httptest.NewServer(http.HandlerFunc(tr.Handler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	serverConn, err := tr.Accept(ctx)
	require.NoError(t, err)
	defer serverConn.Close()

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"REGISTER","id":"m-2"}`)))

	msg, err := serverConn.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeRegister, msg.Type)
	require.Equal(t, "m-2", msg.ID)
}
