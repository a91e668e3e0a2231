package ws

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BanChecker is consulted before a join is accepted.
type BanChecker interface {
	IsBanned(ctx context.Context, roomID, addr string) (bool, error)
}

type participant struct {
	addr string
	conn *clientConn
}

// room holds the live roster and owner for one active room. All
// mutations go through the Registry under r.mu; the registry-level
// mutex only guards the room map itself, so unrelated rooms never
// contend.
type room struct {
	mu           sync.RWMutex
	owner        string
	participants map[string]*participant
	closed       bool // set when the last participant leaves
}

func newRoom() *room { return &room{participants: map[string]*participant{}} }

// Registry is the authoritative map of active room id -> live roster.
// Constructed at server start and injected, never a package global.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	bans  BanChecker
}

func NewRegistry(bans BanChecker) *Registry {
	return &Registry{rooms: make(map[string]*room), bans: bans}
}

// Join adds a participant to a room, creating the room (with the joiner
// as owner) on first join. A banned address is rejected before any
// state is touched.
func (reg *Registry) Join(ctx context.Context, roomID, username, addr string, conn *clientConn) bool {
	banned, err := reg.bans.IsBanned(ctx, roomID, addr)
	if err != nil {
		zap.L().Warn("registry.ban_check", zap.String("room", roomID), zap.Error(err))
	}
	if banned {
		zap.L().Warn("registry.banned_join_rejected",
			zap.String("room", roomID),
			zap.String("addr", addr),
		)
		return false
	}

	for {
		reg.mu.Lock()
		r, ok := reg.rooms[roomID]
		if !ok {
			r = newRoom()
			reg.rooms[roomID] = r
		}
		reg.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			// Lost a race with the last leaver; the entry is gone
			// from the map, take a fresh one.
			r.mu.Unlock()
			continue
		}
		if len(r.participants) == 0 {
			r.owner = username
		}
		r.participants[username] = &participant{addr: addr, conn: conn}
		n := len(r.participants)
		r.mu.Unlock()

		zap.L().Info("registry.joined",
			zap.String("room", roomID),
			zap.String("user", username),
			zap.Int("participants", n),
		)
		return true
	}
}

// Leave removes a participant. When the departing participant owned the
// room and others remain, ownership moves to the lexicographically
// smallest remaining username: an arbitrary but deterministic choice,
// so a non-empty room always has an owner. The room entry is dropped
// the instant the roster empties.
func (reg *Registry) Leave(roomID, username string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if _, ok := r.participants[username]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.participants, username)

	if len(r.participants) == 0 {
		r.closed = true
		r.mu.Unlock()
		reg.mu.Lock()
		if reg.rooms[roomID] == r {
			delete(reg.rooms, roomID)
		}
		reg.mu.Unlock()
		zap.L().Info("registry.room_empty", zap.String("room", roomID))
		return
	}

	if r.owner == username {
		r.owner = slices.Min(slices.Collect(maps.Keys(r.participants)))
		zap.L().Info("registry.owner_transferred",
			zap.String("room", roomID),
			zap.String("owner", r.owner),
		)
	}
	r.mu.Unlock()
}

func (reg *Registry) IsOwner(roomID, username string) bool {
	r, ok := reg.lookup(roomID)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner == username
}

// Snapshot returns the sorted roster and current owner, taken after any
// in-flight mutation completes.
func (reg *Registry) Snapshot(roomID string) (participants []string, owner string, ok bool) {
	r, found := reg.lookup(roomID)
	if !found {
		return nil, "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, "", false
	}
	return slices.Sorted(maps.Keys(r.participants)), r.owner, true
}

// Resolve returns a participant's connection and address, for targeted
// notices (kick/ban).
func (reg *Registry) Resolve(roomID, username string) (conn *clientConn, addr string, ok bool) {
	r, found := reg.lookup(roomID)
	if !found {
		return nil, "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[username]
	if !ok {
		return nil, "", false
	}
	return p.conn, p.addr, true
}

func (reg *Registry) Count(roomID string) int {
	r, ok := reg.lookup(roomID)
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Deliver writes a published message to every local connection in the
// room. The roster is snapshotted under the read lock and the I/O
// happens outside it; a conn that fails to take the write is closed and
// cleans itself up through the normal disconnect path.
func (reg *Registry) Deliver(roomID string, msg []byte) {
	r, ok := reg.lookup(roomID)
	if !ok {
		return
	}

	r.mu.RLock()
	conns := make([]*clientConn, 0, len(r.participants))
	for _, p := range r.participants {
		conns = append(conns, p.conn)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(websocket.TextMessage, msg); err != nil {
			_ = c.close()
		}
	}
}

func (reg *Registry) lookup(roomID string) (*room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}
