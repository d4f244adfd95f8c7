// ABOUTME: Tests for the connection registry.
// ABOUTME: Covers lookup, client id displacement, and unregister semantics.

package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldhand/relay/internal/protocol"
)

type fakeConn struct {
	sessionID string
	role      protocol.Role
	clientID  string
}

func (f *fakeConn) SessionID() string   { return f.sessionID }
func (f *fakeConn) Role() protocol.Role { return f.role }
func (f *fakeConn) ClientID() string    { return f.clientID }

func newRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterAndLookup(t *testing.T) {
	r := newRegistry()

	c := &fakeConn{sessionID: "s1", role: protocol.RoleClient, clientID: "desk-1"}
	displaced := r.Register(c)
	assert.Nil(t, displaced)

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, c, got.(*fakeConn))

	byClient, ok := r.LookupClient("desk-1")
	require.True(t, ok)
	assert.Same(t, c, byClient.(*fakeConn))

	assert.Equal(t, 1, r.Count(protocol.RoleClient))
	assert.Equal(t, 0, r.Count(protocol.RoleController))
}

func TestRegister_DisplacesSameClientID(t *testing.T) {
	r := newRegistry()

	old := &fakeConn{sessionID: "s1", role: protocol.RoleClient, clientID: "desk-1"}
	require.Nil(t, r.Register(old))

	replacement := &fakeConn{sessionID: "s2", role: protocol.RoleClient, clientID: "desk-1"}
	displaced := r.Register(replacement)
	require.NotNil(t, displaced)
	assert.Same(t, old, displaced.(*fakeConn))

	got, ok := r.LookupClient("desk-1")
	require.True(t, ok)
	assert.Equal(t, "s2", got.SessionID())

	// The displaced session is fully gone.
	_, ok = r.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count(protocol.RoleClient))
}

func TestUnregister_DisplacedSessionNotLive(t *testing.T) {
	r := newRegistry()

	old := &fakeConn{sessionID: "s1", role: protocol.RoleClient, clientID: "desk-1"}
	r.Register(old)
	r.Register(&fakeConn{sessionID: "s2", role: protocol.RoleClient, clientID: "desk-1"})

	// The displaced connection eventually tears down. Its unregister must
	// not report the client id as gone.
	c, wasLive := r.Unregister("s1")
	assert.Nil(t, c)
	assert.False(t, wasLive)

	_, ok := r.LookupClient("desk-1")
	assert.True(t, ok)
}

func TestUnregister_Live(t *testing.T) {
	r := newRegistry()
	r.Register(&fakeConn{sessionID: "s1", role: protocol.RoleClient, clientID: "desk-1"})

	c, wasLive := r.Unregister("s1")
	require.NotNil(t, c)
	assert.True(t, wasLive)

	_, ok := r.LookupClient("desk-1")
	assert.False(t, ok)

	// Idempotent.
	c, wasLive = r.Unregister("s1")
	assert.Nil(t, c)
	assert.False(t, wasLive)
}

func TestControllersAndClients(t *testing.T) {
	r := newRegistry()
	r.Register(&fakeConn{sessionID: "s1", role: protocol.RoleClient, clientID: "a"})
	r.Register(&fakeConn{sessionID: "s2", role: protocol.RoleClient, clientID: "b"})
	r.Register(&fakeConn{sessionID: "s3", role: protocol.RoleController})

	assert.Len(t, r.Clients(), 2)
	assert.Len(t, r.Controllers(), 1)
	assert.Equal(t, "s3", r.Controllers()[0].SessionID())
}
