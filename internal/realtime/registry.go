package realtime

import "sync"

// room is one broadcast group. members is guarded by mu. fanout serialises
// publishes so every member queue observes them in the same order; it is
// never held while taking mu of another room.
type room struct {
	mu      sync.Mutex
	members map[*Session]struct{}
	seq     uint64

	// dead is set, under mu, when the room became empty and was unlinked
	// from the registry index. A subscriber that obtained the pointer
	// before the unlink must retry on a fresh room.
	dead bool

	fanout sync.Mutex
}

// Registry maps room keys to the sessions currently subscribed to them.
// It is the single source of truth for fan-out targeting.
//
// # Locking
//
// The registry-level RWMutex guards only the index of rooms. Membership of
// each room is guarded by that room's own mutex, so operations on different
// keys never contend on the same room lock. The lock order is
//
//	Hub.mu → Session.mu → room.fanout → room.mu → Registry.mu → Queue.mu
//
// Hub.mu is taken above Session.mu only while a new session is activated.
// Registry.mu is only ever held on its own or under room.mu (to unlink an
// empty room), never while acquiring a room lock.
//
// The registry holds plain pointers but never keeps a session alive past
// its close: Session.Close removes the session from every room it joined
// before returning.
type Registry struct {
	mu    sync.RWMutex
	rooms map[RoomKey]*room
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[RoomKey]*room)}
}

// lookup returns the live room for key, or nil.
func (r *Registry) lookup(key RoomKey) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[key]
}

// getOrCreate returns the room for key, creating it if needed.
func (r *Registry) getOrCreate(key RoomKey) *room {
	if rm := r.lookup(key); rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[key]
	if !ok {
		rm = &room{members: make(map[*Session]struct{})}
		r.rooms[key] = rm
	}
	return rm
}

// Subscribe adds s to the room for key. It is idempotent and reports
// whether s was newly added.
func (r *Registry) Subscribe(key RoomKey, s *Session) bool {
	for {
		rm := r.getOrCreate(key)

		rm.mu.Lock()
		if rm.dead {
			// Lost the race with the last member leaving; the key now
			// points at a new room (or nothing), so look it up again.
			rm.mu.Unlock()
			continue
		}
		_, had := rm.members[s]
		rm.members[s] = struct{}{}
		rm.mu.Unlock()
		return !had
	}
}

// Unsubscribe removes s from the room for key. Removing a session that is
// not a member is a no-op. It reports whether s was a member.
func (r *Registry) Unsubscribe(key RoomKey, s *Session) bool {
	rm := r.lookup(key)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.members[s]; !ok {
		return false
	}
	delete(rm.members, s)

	if len(rm.members) == 0 {
		rm.dead = true
		r.mu.Lock()
		if r.rooms[key] == rm {
			delete(r.rooms, key)
		}
		r.mu.Unlock()
	}
	return true
}

// RemoveSession removes s from every room in keys. The session passes the
// set of rooms it believes it belongs to; because membership is only ever
// changed through the session, that set is exact.
func (r *Registry) RemoveSession(s *Session, keys []RoomKey) {
	for _, key := range keys {
		r.Unsubscribe(key, s)
	}
}

// SubscribersOf returns a point-in-time copy of the members of the room for
// key. The caller may iterate it freely while subscriptions change.
func (r *Registry) SubscribersOf(key RoomKey) []*Session {
	rm := r.lookup(key)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshotLocked()
}

func (rm *room) snapshotLocked() []*Session {
	out := make([]*Session, 0, len(rm.members))
	for s := range rm.members {
		out = append(out, s)
	}
	return out
}

// fanout calls fn with the next sequence number and a snapshot of the
// room's members. Calls for the same key are serialised, so two fan-outs
// reach every member queue in the order fanout was entered. It returns
// false without calling fn if the room does not exist.
func (r *Registry) fanout(key RoomKey, fn func(seq uint64, members []*Session)) bool {
	for {
		rm := r.lookup(key)
		if rm == nil {
			return false
		}

		rm.fanout.Lock()
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			rm.fanout.Unlock()
			continue
		}
		rm.seq++
		seq := rm.seq
		members := rm.snapshotLocked()
		rm.mu.Unlock()

		fn(seq, members)
		rm.fanout.Unlock()
		return true
	}
}

// Rooms returns the number of live rooms.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// memberCount returns the number of sessions in the room for key.
func (r *Registry) memberCount(key RoomKey) int {
	rm := r.lookup(key)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}
