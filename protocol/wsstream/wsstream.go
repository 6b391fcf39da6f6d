// Package wsstream is the default transport for protocol.Conn/Transport,
// a gorilla/websocket connection carrying JSON-encoded protocol.Message
// frames. Grounded on the safeConn write-mutex and ping-keepalive
// pattern used for long-lived workflow-execution websocket handlers in
// the example pack (gorilla/websocket does not allow concurrent
// writers), adapted here for the server-to-worker push channel instead
// of a browser client.
package wsstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/protocol"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
)

const (
	pingInterval = 20 * time.Second
	pongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Conn wraps one *websocket.Conn with a write mutex, satisfying
// protocol.Conn.
type Conn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, done: make(chan struct{})}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.pingLoop()
	return c
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) Send(_ context.Context, msg protocol.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return internal.NewInternalError("marshal protocol message", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) Recv(_ context.Context) (protocol.Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, internal.NewWorkerDisconnectedError("", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocol.Message{}, internal.NewValidationError("malformed protocol message", err)
	}
	return msg, nil
}

func (c *Conn) Close() error {
	close(c.done)
	return c.ws.Close()
}

// Transport serves ws upgrades on a single HTTP handler and hands each
// accepted connection to Accept's caller.
type Transport struct {
	conns chan *Conn
}

func NewTransport() *Transport {
	return &Transport{conns: make(chan *Conn, 16)}
}

// Handler is the http.HandlerFunc the server mounts for worker
// connections; it upgrades the request and feeds the resulting Conn to
// Accept.
func (t *Transport) Handler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case t.conns <- newConn(ws):
	case <-r.Context().Done():
		ws.Close()
	}
}

func (t *Transport) Accept(ctx context.Context) (protocol.Conn, error) {
	select {
	case c := <-t.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Close() error {
	close(t.conns)
	for c := range t.conns {
		c.Close()
	}
	return nil
}

// Dial opens the worker side of the transport: it connects to a server
// mounting Transport.Handler and returns a protocol.Conn ready for the
// REGISTER/EXECUTE/CHECKPOINT exchange of spec §4.5.
func Dial(ctx context.Context, url string) (protocol.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, internal.NewWorkerDisconnectedError("", err)
	}
	return newConn(ws), nil
}
