// Package testutil provides shared test helpers: a scriptable mock WebSocket
// server and polling wait utilities.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/pipedeck/pipedeck/pkg/wire"
)

// MockServer is a WebSocket server for testing clients. The handler runs
// once per accepted connection; CloseCurrentConnection simulates a
// server-side drop.
type MockServer struct {
	T       *testing.T
	Server  *httptest.Server
	WsURL   string
	Handler func(conn *websocket.Conn, ms *MockServer)

	connMu     sync.Mutex
	conn       *websocket.Conn
	activeConn context.CancelFunc
}

// NewMockServer starts a mock server. A nil handler keeps connections open
// until closed from either side.
func NewMockServer(t *testing.T, handlerFunc func(conn *websocket.Conn, ms *MockServer)) *MockServer {
	t.Helper()
	ms := &MockServer{T: t, Handler: handlerFunc}

	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connCtx, connCancel := context.WithCancel(context.Background())

		wsconn, err := websocket.Accept(w, r, nil)
		if err != nil {
			ms.T.Logf("MockServer: accept error: %v", err)
			connCancel()
			return
		}

		ms.connMu.Lock()
		ms.conn = wsconn
		ms.activeConn = connCancel
		ms.connMu.Unlock()

		go func() {
			defer connCancel()
			if ms.Handler != nil {
				ms.Handler(wsconn, ms)
			}
		}()

		<-connCtx.Done()
	}))

	ms.WsURL = "ws" + strings.TrimPrefix(ms.Server.URL, "http")

	t.Cleanup(ms.Close)
	return ms
}

// Send writes a frame to the currently connected client.
func (ms *MockServer) Send(f wire.Frame) error {
	ms.connMu.Lock()
	conn := ms.conn
	ms.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(context.Background(), conn, f)
}

// SendRaw writes raw bytes as a text frame, used to exercise malformed
// message handling.
func (ms *MockServer) SendRaw(data []byte) error {
	ms.connMu.Lock()
	conn := ms.conn
	ms.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Write(context.Background(), websocket.MessageText, data)
}

// ReadFrame reads one JSON frame from the client.
func (ms *MockServer) ReadFrame(ctx context.Context, conn *websocket.Conn) (map[string]any, error) {
	var v map[string]any
	if err := wsjson.Read(ctx, conn, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// CloseCurrentConnection drops the active client connection, simulating a
// server-side close.
func (ms *MockServer) CloseCurrentConnection() {
	ms.connMu.Lock()
	defer ms.connMu.Unlock()

	if ms.conn != nil {
		ms.conn.Close(websocket.StatusGoingAway, "test closing connection")
		ms.conn = nil
	}
	if ms.activeConn != nil {
		ms.activeConn()
		ms.activeConn = nil
	}
}

// Close shuts the mock server down.
func (ms *MockServer) Close() {
	ms.CloseCurrentConnection()
	if ms.Server != nil {
		ms.Server.Close()
	}
}
