package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn satisfies wsConn and records every written frame.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("fake conn") }

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("conn closed")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type allowAllBans struct{}

func (allowAllBans) IsBanned(context.Context, string, string) (bool, error) { return false, nil }

type listBans struct{ addrs map[string]bool }

func (b listBans) IsBanned(_ context.Context, _ string, addr string) (bool, error) {
	return b.addrs[addr], nil
}

func join(t *testing.T, reg *Registry, room, user, addr string) *fakeConn {
	t.Helper()
	fc := &fakeConn{}
	require.True(t, reg.Join(context.Background(), room, user, addr, &clientConn{rawConn: fc}))
	return fc
}

func TestFirstJoinerBecomesOwner(t *testing.T) {
	reg := NewRegistry(allowAllBans{})
	join(t, reg, "r1", "alice", "10.0.0.1")

	parts, owner, ok := reg.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, []string{"alice"}, parts)
	assert.True(t, reg.IsOwner("r1", "alice"))
}

func TestJoinKeepsExistingOwner(t *testing.T) {
	reg := NewRegistry(allowAllBans{})
	join(t, reg, "r1", "alice", "10.0.0.1")
	join(t, reg, "r1", "bob", "10.0.0.2")

	parts, owner, ok := reg.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, []string{"alice", "bob"}, parts)
	assert.False(t, reg.IsOwner("r1", "bob"))
}

func TestOwnershipTransferOnOwnerLeave(t *testing.T) {
	reg := NewRegistry(allowAllBans{})
	join(t, reg, "r1", "alice", "10.0.0.1")
	join(t, reg, "r1", "carol", "10.0.0.3")
	join(t, reg, "r1", "bob", "10.0.0.2")

	reg.Leave("r1", "alice")

	parts, owner, ok := reg.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"bob", "carol"}, parts)
	// deterministic tie-break: smallest remaining username
	assert.Equal(t, "bob", owner)
	assert.Contains(t, parts, owner, "owner must be a member of the roster")
}

func TestNonOwnerLeaveKeepsOwner(t *testing.T) {
	reg := NewRegistry(allowAllBans{})
	join(t, reg, "r1", "alice", "10.0.0.1")
	join(t, reg, "r1", "bob", "10.0.0.2")

	reg.Leave("r1", "bob")

	_, owner, ok := reg.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
}

func TestLastLeaveRemovesRoom(t *testing.T) {
	reg := NewRegistry(allowAllBans{})
	join(t, reg, "r1", "alice", "10.0.0.1")

	reg.Leave("r1", "alice")

	_, _, ok := reg.Snapshot("r1")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count("r1"))

	// a fresh join recreates the room with a fresh owner
	join(t, reg, "r1", "bob", "10.0.0.2")
	_, owner, ok := reg.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "bob", owner)
}

func TestLeaveUnknownRoomOrUserIsNoop(t *testing.T) {
	reg := NewRegistry(allowAllBans{})
	reg.Leave("ghost", "alice")

	join(t, reg, "r1", "alice", "10.0.0.1")
	reg.Leave("r1", "nobody")

	_, owner, ok := reg.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
}

func TestBannedAddressCannotJoin(t *testing.T) {
	reg := NewRegistry(listBans{addrs: map[string]bool{"6.6.6.6": true}})

	ok := reg.Join(context.Background(), "r1", "mallory", "6.6.6.6", &clientConn{rawConn: &fakeConn{}})
	assert.False(t, ok)

	_, _, exists := reg.Snapshot("r1")
	assert.False(t, exists, "rejected join must not create the room")
}

func TestResolveReturnsAddress(t *testing.T) {
	reg := NewRegistry(allowAllBans{})
	join(t, reg, "r1", "alice", "10.0.0.1")

	_, addr, ok := reg.Resolve("r1", "alice")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", addr)

	_, _, ok = reg.Resolve("r1", "ghost")
	assert.False(t, ok)
}

func TestDeliverReachesAllParticipants(t *testing.T) {
	reg := NewRegistry(allowAllBans{})
	a := join(t, reg, "r1", "alice", "10.0.0.1")
	b := join(t, reg, "r1", "bob", "10.0.0.2")

	reg.Deliver("r1", []byte(`{"type":"code_message"}`))

	assert.Equal(t, 1, a.frameCount())
	assert.Equal(t, 1, b.frameCount())
}

func TestConcurrentJoinLeave(t *testing.T) {
	reg := NewRegistry(allowAllBans{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user%02d", i)
			room := fmt.Sprintf("room%d", i%4)
			fc := &fakeConn{}
			if reg.Join(context.Background(), room, user, "10.0.0.9", &clientConn{rawConn: fc}) {
				reg.Deliver(room, []byte(`{"type":"code_message"}`))
				reg.Leave(room, user)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		_, _, ok := reg.Snapshot(fmt.Sprintf("room%d", i))
		assert.False(t, ok, "all rooms should be empty and removed")
	}
}
