// This file contains the instance-local socket registry. It is the source of
// truth for which sockets are connected to this instance and which rooms they
// are members of; the metadata store's roomJoinedAtMap is auxiliary data that
// trails behind it.
package gateway

import (
	"sort"
	"sync"
)

type registry struct {
	mu            sync.RWMutex
	sockets       map[string]Transport
	roomsBySocket map[string]map[string]struct{}
	socketsByRoom map[string]map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		sockets:       make(map[string]Transport),
		roomsBySocket: make(map[string]map[string]struct{}),
		socketsByRoom: make(map[string]map[string]struct{}),
	}
}

func (r *registry) add(t Transport) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	id := t.ID()
	if _, exists := r.sockets[id]; exists {
		return conflict("registry.add", "socket already registered: "+id)
	}
	r.sockets[id] = t
	r.roomsBySocket[id] = make(map[string]struct{})

	return nil
}

// remove deregisters the socket and returns the rooms it was in at removal
// time, so disconnect handling can fire leave notifications for each.
func (r *registry) remove(socketID string) []string {
	r.mu.Lock()

	defer r.mu.Unlock()

	rooms := r.roomsUnsafe(socketID)

	for _, room := range rooms {
		r.leaveUnsafe(socketID, room)
	}
	delete(r.sockets, socketID)
	delete(r.roomsBySocket, socketID)

	return rooms
}

func (r *registry) join(socketID, room string) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if _, exists := r.sockets[socketID]; !exists {
		return notFound("registry.join", "socket not registered: "+socketID)
	}
	r.roomsBySocket[socketID][room] = struct{}{}

	if r.socketsByRoom[room] == nil {
		r.socketsByRoom[room] = make(map[string]struct{})
	}
	r.socketsByRoom[room][socketID] = struct{}{}

	return nil
}

// leave removes the socket from the room. Leaving a room the socket never
// joined is a no-op; only an unknown socket is an error.
func (r *registry) leave(socketID, room string) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if _, exists := r.sockets[socketID]; !exists {
		return notFound("registry.leave", "socket not registered: "+socketID)
	}
	r.leaveUnsafe(socketID, room)

	return nil
}

func (r *registry) leaveUnsafe(socketID, room string) {
	if rooms, ok := r.roomsBySocket[socketID]; ok {
		delete(rooms, room)
	}
	if members, ok := r.socketsByRoom[room]; ok {
		delete(members, socketID)

		if len(members) == 0 {
			delete(r.socketsByRoom, room)
		}
	}
}

func (r *registry) get(socketID string) (Transport, bool) {
	r.mu.RLock()

	defer r.mu.RUnlock()

	t, ok := r.sockets[socketID]
	return t, ok
}

func (r *registry) rooms(socketID string) []string {
	r.mu.RLock()

	defer r.mu.RUnlock()

	return r.roomsUnsafe(socketID)
}

func (r *registry) roomsUnsafe(socketID string) []string {
	memberOf, ok := r.roomsBySocket[socketID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(memberOf))

	for room := range memberOf {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	return rooms
}

func (r *registry) inRoom(socketID, room string) bool {
	r.mu.RLock()

	defer r.mu.RUnlock()

	_, ok := r.socketsByRoom[room][socketID]
	return ok
}

func (r *registry) socketsInRoom(room string) []Transport {
	r.mu.RLock()

	defer r.mu.RUnlock()

	members := r.socketsByRoom[room]
	result := make([]Transport, 0, len(members))

	for socketID := range members {
		if t, ok := r.sockets[socketID]; ok {
			result = append(result, t)
		}
	}
	return result
}

func (r *registry) all() []Transport {
	r.mu.RLock()

	defer r.mu.RUnlock()

	result := make([]Transport, 0, len(r.sockets))

	for _, t := range r.sockets {
		result = append(result, t)
	}
	return result
}

// allRooms enumerates every room with its member sockets. This is an
// O(connected sockets) scan, bounded by connection count.
func (r *registry) allRooms() map[string][]Transport {
	r.mu.RLock()

	defer r.mu.RUnlock()

	result := make(map[string][]Transport, len(r.socketsByRoom))

	for room, members := range r.socketsByRoom {
		sockets := make([]Transport, 0, len(members))

		for socketID := range members {
			if t, ok := r.sockets[socketID]; ok {
				sockets = append(sockets, t)
			}
		}
		result[room] = sockets
	}
	return result
}

func (r *registry) len() int {
	r.mu.RLock()

	defer r.mu.RUnlock()

	return len(r.sockets)
}
