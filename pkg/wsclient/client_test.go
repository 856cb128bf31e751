package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pipedeck/pipedeck/pkg/session"
	"github.com/pipedeck/pipedeck/pkg/testutil"
	"github.com/pipedeck/pipedeck/pkg/wire"
)

// newTestOptions returns Options tuned for fast tests: millisecond backoff
// and a stability threshold chosen per scenario.
func newTestOptions(url string, store *session.Store) Options {
	return Options{
		URL:                      url,
		Logger:                   testutil.DefaultLogger,
		Session:                  store,
		BaseDelay:                2 * time.Millisecond,
		MaxDelay:                 20 * time.Millisecond,
		Multiplier:               2,
		StabilityThreshold:       30 * time.Millisecond,
		RapidDisconnectThreshold: 10,
	}
}

func TestConnectSendsAuthFrame(t *testing.T) {
	frames := make(chan map[string]any, 1)
	ms := testutil.NewMockServer(t, func(conn *websocket.Conn, ms *testutil.MockServer) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		v, err := ms.ReadFrame(ctx, conn)
		if err != nil {
			return
		}
		frames <- v
	})

	store := session.NewStore(testutil.DefaultLogger, 0)
	store.SetToken("tok-1")
	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()
	c.Connect()

	select {
	case f := <-frames:
		if f["type"] != wire.TypeAuth {
			t.Fatalf("frame type = %v, want auth", f["type"])
		}
		if f["token"] != "tok-1" {
			t.Fatalf("frame token = %v", f["token"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no auth frame received")
	}
}

func TestListenTriggersLazyConnect(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	store := session.NewStore(testutil.DefaultLogger, 0)
	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()

	if c.Status() != StatusDisconnected {
		t.Fatal("client connected before anything was requested")
	}
	c.Listen("pipeline.updated", func(json.RawMessage) {})

	if err := testutil.WaitFor(t, "lazy connect", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchIsolatesFailingListener(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	store := session.NewStore(testutil.DefaultLogger, 0)
	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()

	var mu sync.Mutex
	var got []string
	c.Listen("pipeline.updated", func(json.RawMessage) {
		panic("listener blew up")
	})
	c.Listen("pipeline.updated", func(p json.RawMessage) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})
	var otherCalls atomic.Int32
	c.Listen("provider.status", func(json.RawMessage) { otherCalls.Add(1) })

	if err := testutil.WaitFor(t, "connected", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}

	f, err := wire.NewFrame("pipeline.updated", map[string]string{"id": "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := ms.Send(*f); err != nil {
		t.Fatal(err)
	}

	err = testutil.WaitFor(t, "delivery past the panicking listener", 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	payload := got[0]
	mu.Unlock()
	if payload != `{"id":"p1"}` {
		t.Fatalf("payload = %s", payload)
	}
	if otherCalls.Load() != 0 {
		t.Fatal("listener for a different event type was invoked")
	}
}

func TestUnlistenIsIdempotent(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	store := session.NewStore(testutil.DefaultLogger, 0)
	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()

	var first, second atomic.Int32
	unlisten := c.Listen("pipeline.updated", func(json.RawMessage) { first.Add(1) })
	c.Listen("pipeline.updated", func(json.RawMessage) { second.Add(1) })

	if err := testutil.WaitFor(t, "connected", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}

	unlisten()
	unlisten() // second call must not disturb the remaining listener

	f, _ := wire.NewFrame("pipeline.updated", map[string]string{"id": "p2"})
	if err := ms.Send(*f); err != nil {
		t.Fatal(err)
	}

	err := testutil.WaitFor(t, "remaining listener notified", 2*time.Second, func() bool {
		return second.Load() == 1
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Load() != 0 {
		t.Fatal("removed listener was invoked")
	}
}

func TestMalformedFrameIsDroppedConnectionSurvives(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	store := session.NewStore(testutil.DefaultLogger, 0)
	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()

	var calls atomic.Int32
	c.Listen("pipeline.updated", func(json.RawMessage) { calls.Add(1) })

	if err := testutil.WaitFor(t, "connected", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}

	if err := ms.SendRaw([]byte(`{not json at all`)); err != nil {
		t.Fatal(err)
	}
	f, _ := wire.NewFrame("pipeline.updated", nil)
	if err := ms.Send(*f); err != nil {
		t.Fatal(err)
	}

	err := testutil.WaitFor(t, "valid frame after garbage", 2*time.Second, func() bool {
		return calls.Load() == 1
	})
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsConnected() {
		t.Fatal("connection did not survive a malformed frame")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	store := session.NewStore(testutil.DefaultLogger, 0)

	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()

	var mu sync.Mutex
	var transitions []Status
	connectedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, s := range transitions {
			if s == StatusConnected {
				n++
			}
		}
		return n
	}
	c.OnStatus(func(s Status) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	c.Connect()
	if err := testutil.WaitFor(t, "first connect", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}

	// Outlive the stability threshold so the drop counts as a healthy close.
	time.Sleep(60 * time.Millisecond)
	ms.CloseCurrentConnection()

	err := testutil.WaitFor(t, "reconnected", 2*time.Second, func() bool {
		return connectedCount() == 2 && c.IsConnected()
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	seq := append([]Status(nil), transitions...)
	mu.Unlock()
	want := []Status{StatusConnecting, StatusConnected, StatusReconnecting, StatusConnecting, StatusConnected}
	if len(seq) != len(want) {
		t.Fatalf("transitions = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, seq[i], want[i])
		}
	}

	// A stable close resets the attempt counter before incrementing, so this
	// reconnect was attempt one.
	if got := c.ReconnectAttempts(); got != 1 {
		t.Fatalf("ReconnectAttempts = %d, want 1", got)
	}
}

func TestDialFailureSchedulesBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close() // nothing listens; every dial fails

	store := session.NewStore(testutil.DefaultLogger, 0)
	c := New(newTestOptions(url, store))
	defer c.Close()
	c.Connect()

	err := testutil.WaitFor(t, "repeated dial attempts", 2*time.Second, func() bool {
		return c.ReconnectAttempts() >= 3
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Status() != StatusReconnecting && c.Status() != StatusConnecting {
		t.Fatalf("status = %v while retrying", c.Status())
	}
}

func TestRapidDisconnectsLockOut(t *testing.T) {
	var dropAll atomic.Bool
	dropAll.Store(true)
	ms := testutil.NewMockServer(t, func(conn *websocket.Conn, _ *testutil.MockServer) {
		if dropAll.Load() {
			conn.Close(websocket.StatusTryAgainLater, "go away")
		}
	})

	store := session.NewStore(testutil.DefaultLogger, 0)
	store.SetToken("tok-1")

	opts := newTestOptions(ms.WsURL, store)
	opts.StabilityThreshold = time.Hour // every close counts as rapid
	opts.RapidDisconnectThreshold = 3
	c := New(opts)
	defer c.Close()
	c.Connect()

	if err := testutil.WaitFor(t, "lockout", 2*time.Second, c.LockedOut); err != nil {
		t.Fatal(err)
	}
	if c.IsConnected() {
		t.Fatal("still connected after lockout")
	}
	if store.Token() != "" {
		t.Fatal("lockout did not clear the auth token")
	}

	// Connect is a no-op while locked out.
	c.Connect()
	time.Sleep(50 * time.Millisecond)
	if c.IsConnected() || !c.LockedOut() {
		t.Fatal("Connect bypassed the lockout")
	}

	// ManualReconnect is the single exit.
	dropAll.Store(false)
	store.SetToken("tok-2")
	c.ManualReconnect()
	if err := testutil.WaitFor(t, "manual reconnect", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}
	if c.LockedOut() {
		t.Fatal("lockout flag survived ManualReconnect")
	}
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("ReconnectAttempts = %d after manual reconnect, want 0", got)
	}
}

func TestAuthErrorFramesLockOut(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	store := session.NewStore(testutil.DefaultLogger, 2)
	store.SetToken("tok-1")

	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()
	c.Connect()
	if err := testutil.WaitFor(t, "connected", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}

	rejection := wire.Frame{Type: wire.TypeAuthError, Payload: json.RawMessage(`"token expired"`)}
	if err := ms.Send(rejection); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if c.LockedOut() {
		t.Fatal("locked out before the failure limit")
	}
	if err := ms.Send(rejection); err != nil {
		t.Fatal(err)
	}

	if err := testutil.WaitFor(t, "lockout at failure limit", 2*time.Second, c.LockedOut); err != nil {
		t.Fatal(err)
	}
	if store.Token() != "" {
		t.Fatal("token survived the lockout")
	}
}

func TestHandshakeRejectionLocksOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	store := session.NewStore(testutil.DefaultLogger, 2)
	c := New(newTestOptions(url, store))
	defer c.Close()
	c.Connect()

	if err := testutil.WaitFor(t, "lockout after 401 handshakes", 2*time.Second, c.LockedOut); err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectClearsListenersAndStops(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	store := session.NewStore(testutil.DefaultLogger, 0)
	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()

	var oldCalls atomic.Int32
	c.Listen("pipeline.updated", func(json.RawMessage) { oldCalls.Add(1) })
	if err := testutil.WaitFor(t, "connected", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}

	c.Disconnect()
	time.Sleep(50 * time.Millisecond) // past any backoff delay
	if c.IsConnected() || c.Status() != StatusDisconnected {
		t.Fatal("client reconnected after an explicit disconnect")
	}

	// A fresh Listen connects again, but the old registration is gone.
	var newCalls atomic.Int32
	c.Listen("provider.status", func(json.RawMessage) { newCalls.Add(1) })
	if err := testutil.WaitFor(t, "reconnect after new Listen", 2*time.Second, c.IsConnected); err != nil {
		t.Fatal(err)
	}

	stale, _ := wire.NewFrame("pipeline.updated", nil)
	fresh, _ := wire.NewFrame("provider.status", nil)
	if err := ms.Send(*stale); err != nil {
		t.Fatal(err)
	}
	if err := ms.Send(*fresh); err != nil {
		t.Fatal(err)
	}

	err := testutil.WaitFor(t, "fresh listener notified", 2*time.Second, func() bool {
		return newCalls.Load() == 1
	})
	if err != nil {
		t.Fatal(err)
	}
	if oldCalls.Load() != 0 {
		t.Fatal("listener survived Disconnect")
	}
}

func TestReauthenticateResendsToken(t *testing.T) {
	frames := make(chan map[string]any, 4)
	ms := testutil.NewMockServer(t, func(conn *websocket.Conn, ms *testutil.MockServer) {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			v, err := ms.ReadFrame(ctx, conn)
			cancel()
			if err != nil {
				return
			}
			frames <- v
		}
	})

	store := session.NewStore(testutil.DefaultLogger, 0)
	store.SetToken("tok-1")
	c := New(newTestOptions(ms.WsURL, store))
	defer c.Close()
	c.Connect()

	readFrame := func() map[string]any {
		select {
		case f := <-frames:
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("no frame from client")
			return nil
		}
	}
	if f := readFrame(); f["token"] != "tok-1" {
		t.Fatalf("initial auth token = %v", f["token"])
	}

	store.SetToken("tok-2")
	c.Reauthenticate()
	if f := readFrame(); f["token"] != "tok-2" {
		t.Fatalf("re-auth token = %v", f["token"])
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusReconnecting: "reconnecting",
	}
	for st, want := range cases {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
