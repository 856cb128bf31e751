package authbridge

import (
	"testing"

	"github.com/pipedeck/pipedeck/pkg/session"
	"github.com/pipedeck/pipedeck/pkg/testutil"
)

// fakeSocket records which methods the bridge drove.
type fakeSocket struct {
	connected   bool
	reauths     int
	reconnects  int
	disconnects int
}

func (f *fakeSocket) IsConnected() bool { return f.connected }
func (f *fakeSocket) Reauthenticate()   { f.reauths++ }
func (f *fakeSocket) ManualReconnect()  { f.reconnects++ }
func (f *fakeSocket) Disconnect()       { f.disconnects++ }

func TestLoginWhileConnectedReauthenticates(t *testing.T) {
	store := session.NewStore(testutil.DefaultLogger, 0)
	sock := &fakeSocket{connected: true}
	defer Bind(store, sock, testutil.DefaultLogger)()

	store.SetAuthenticated(true)

	if sock.reauths != 1 || sock.reconnects != 0 || sock.disconnects != 0 {
		t.Fatalf("calls = %+v, want one re-authentication", sock)
	}
}

func TestLoginWhileDisconnectedReconnects(t *testing.T) {
	store := session.NewStore(testutil.DefaultLogger, 0)
	sock := &fakeSocket{connected: false}
	defer Bind(store, sock, testutil.DefaultLogger)()

	store.SetAuthenticated(true)

	if sock.reconnects != 1 || sock.reauths != 0 {
		t.Fatalf("calls = %+v, want one manual reconnect", sock)
	}
}

func TestLogoutDisconnects(t *testing.T) {
	store := session.NewStore(testutil.DefaultLogger, 0)
	store.SetAuthenticated(true)
	sock := &fakeSocket{connected: true}
	defer Bind(store, sock, testutil.DefaultLogger)()

	store.SetAuthenticated(false)

	if sock.disconnects != 1 || sock.reauths != 0 || sock.reconnects != 0 {
		t.Fatalf("calls = %+v, want one disconnect", sock)
	}
}

func TestStartupLevelIsNotReplayed(t *testing.T) {
	store := session.NewStore(testutil.DefaultLogger, 0)
	store.SetAuthenticated(true)
	sock := &fakeSocket{connected: true}
	defer Bind(store, sock, testutil.DefaultLogger)()

	// Binding while already authenticated must cause no socket activity.
	if sock.reauths+sock.reconnects+sock.disconnects != 0 {
		t.Fatalf("calls = %+v, want none at bind time", sock)
	}

	store.SetAuthenticated(true) // level repeat, still no edge
	if sock.reauths+sock.reconnects+sock.disconnects != 0 {
		t.Fatalf("calls = %+v after level repeat", sock)
	}
}

func TestUnbindStopsDelivery(t *testing.T) {
	store := session.NewStore(testutil.DefaultLogger, 0)
	sock := &fakeSocket{connected: true}
	unbind := Bind(store, sock, testutil.DefaultLogger)

	unbind()
	store.SetAuthenticated(true)

	if sock.reauths+sock.reconnects+sock.disconnects != 0 {
		t.Fatalf("calls = %+v after unbind", sock)
	}
}
