// This file contains the lifecycle hook registry. Feature modules register
// callbacks for connect, disconnect, message, join and leave events without
// coupling to the gateway's internals. Callbacks run in registration order;
// a failing or panicking callback never prevents its siblings from running.
package gateway

import (
	"log/slog"
	"sync"
)

// ConnectedHook runs after a socket completes its handshake.
type ConnectedHook func(t Transport)

// DisconnectedHook runs after a socket disconnects, before its metadata is
// purged from the shared store.
type DisconnectedHook func(t Transport)

// MessageHook runs for every inbound message, after kind-specific handling.
type MessageHook func(t Transport, msg Message)

// RoomHook runs when a socket joins or leaves a room.
type RoomHook func(t Transport, room string)

// UnregisterFunc removes exactly the callback whose registration returned
// it. Calling it twice is a no-op.
type UnregisterFunc func()

type hookEntry[T any] struct {
	fn T
}

type hookList[T any] struct {
	mu      sync.RWMutex
	entries []*hookEntry[T]
}

func (l *hookList[T]) add(fn T) UnregisterFunc {
	entry := &hookEntry[T]{fn: fn}

	l.mu.Lock()

	l.entries = append(l.entries, entry)

	l.mu.Unlock()

	return func() {
		l.mu.Lock()

		defer l.mu.Unlock()

		for i, e := range l.entries {
			if e == entry {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)

				return
			}
		}
	}
}

func (l *hookList[T]) snapshot() []T {
	l.mu.RLock()

	defer l.mu.RUnlock()

	fns := make([]T, len(l.entries))

	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}

// hookRegistry holds the callback lists for every event kind. It is an
// explicit dependency of the Gateway, not an ambient singleton; callers
// reach it through the Gateway's registration methods.
type hookRegistry struct {
	connected    hookList[ConnectedHook]
	disconnected hookList[DisconnectedHook]
	message      hookList[MessageHook]
	joinRoom     hookList[RoomHook]
	leaveRoom    hookList[RoomHook]
	log          *slog.Logger
}

func newHookRegistry(log *slog.Logger) *hookRegistry {
	return &hookRegistry{log: log}
}

func runHook(log *slog.Logger, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("hook panicked", "hook", kind, "panic", r)
		}
	}()

	fn()
}

func (h *hookRegistry) runConnected(t Transport) {
	for _, fn := range h.connected.snapshot() {
		runHook(h.log, "onConnected", func() { fn(t) })
	}
}

func (h *hookRegistry) runDisconnected(t Transport) {
	for _, fn := range h.disconnected.snapshot() {
		runHook(h.log, "onDisconnected", func() { fn(t) })
	}
}

func (h *hookRegistry) runMessage(t Transport, msg Message) {
	for _, fn := range h.message.snapshot() {
		runHook(h.log, "onMessage", func() { fn(t, msg) })
	}
}

func (h *hookRegistry) runJoinRoom(t Transport, room string) {
	for _, fn := range h.joinRoom.snapshot() {
		runHook(h.log, "onJoinRoom", func() { fn(t, room) })
	}
}

func (h *hookRegistry) runLeaveRoom(t Transport, room string) {
	for _, fn := range h.leaveRoom.snapshot() {
		runHook(h.log, "onLeaveRoom", func() { fn(t, room) })
	}
}
