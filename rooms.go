// This file contains room membership operations. The transport registry owns
// the answer to "is this socket in this room"; the metadata store's
// roomJoinedAtMap only records join timestamps and is synchronized
// best-effort behind it.
package gateway

import (
	"context"
	"time"
)

// Join adds the socket to the room. The transport-level join happens first;
// if it fails, no hook fires and no metadata is written. On success the
// onJoinRoom hooks run, then the join timestamp is recorded in the shared
// metadata store.
func (g *Gateway) Join(ctx context.Context, t Transport, room string) error {
	if room == "" {
		return badRequest("room.join", "room name is required")
	}
	if err := g.registry.join(t.ID(), room); err != nil {
		return transportFailed(err, "room.join")
	}
	g.hooks.runJoinRoom(t, room)

	joinedAt := g.JoinedAtMap(ctx, t)
	joinedAt[room] = time.Now()

	if err := g.metadata.Set(ctx, t.ID(), MetadataPatch{RoomJoinedAt: joinedAt}); err != nil {
		g.log.Warn("failed to record join timestamp", "socket", t.ID(), "room", room, "error", err)
	}
	return nil
}

// Leave removes the socket from the room, runs the onLeaveRoom hooks, and
// deletes the room's join timestamp. Leaving a room the socket never joined
// is a no-op, not an error.
func (g *Gateway) Leave(ctx context.Context, t Transport, room string) error {
	if room == "" {
		return badRequest("room.leave", "room name is required")
	}
	if err := g.registry.leave(t.ID(), room); err != nil {
		return transportFailed(err, "room.leave")
	}
	g.hooks.runLeaveRoom(t, room)

	joinedAt := g.JoinedAtMap(ctx, t)

	delete(joinedAt, room)

	if err := g.metadata.Set(ctx, t.ID(), MetadataPatch{RoomJoinedAt: joinedAt}); err != nil {
		g.log.Warn("failed to clear join timestamp", "socket", t.ID(), "room", room, "error", err)
	}
	return nil
}

// JoinedAtMap returns the socket's room join timestamps. Absent metadata
// yields an empty map, never an error. The returned map is the caller's to
// mutate.
func (g *Gateway) JoinedAtMap(ctx context.Context, t Transport) map[string]time.Time {
	meta, err := g.metadata.Get(ctx, t.ID())

	if err != nil {
		g.log.Warn("failed to read join timestamps", "socket", t.ID(), "error", err)

		return map[string]time.Time{}
	}
	if meta == nil || meta.RoomJoinedAt == nil {
		return map[string]time.Time{}
	}
	return meta.clone().RoomJoinedAt
}

// ListAllRooms enumerates every room on this instance with its member
// sockets. Used for diagnostics and presence computation; the scan is
// bounded by the number of connected sockets.
func (g *Gateway) ListAllRooms() map[string][]Transport {
	return g.registry.allRooms()
}

// SocketsOfRoom returns the sockets currently in the room on this instance.
func (g *Gateway) SocketsOfRoom(room string) []Transport {
	return g.registry.socketsInRoom(room)
}

// RoomsOf returns the rooms the socket is a member of on this instance,
// sorted by name.
func (g *Gateway) RoomsOf(t Transport) []string {
	return g.registry.rooms(t.ID())
}

// InRoom reports whether the socket is currently a member of the room.
func (g *Gateway) InRoom(t Transport, room string) bool {
	return g.registry.inRoom(t.ID(), room)
}

// AllSockets returns every socket connected to this instance.
func (g *Gateway) AllSockets() []Transport {
	return g.registry.all()
}

// SocketCount returns the number of sockets connected to this instance.
func (g *Gateway) SocketCount() int {
	return g.registry.len()
}
