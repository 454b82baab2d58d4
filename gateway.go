// This file contains the Gateway struct which orchestrates connection
// lifecycle, inbound message dispatch, and cross-instance broadcast fan-out.
// Each server instance runs one Gateway per namespace; the shared metadata
// store and pub/sub channel make the set of connected sockets behave as one
// logical cluster.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Gateway struct {
	namespace string
	nodeID    string
	opts      *Options
	log       *slog.Logger

	registry *registry
	metadata MetadataStore
	counters CounterStore
	pubsub   PubSub
	hooks    *hookRegistry
	debounce *debouncer
	sched    *scheduler

	topic      string
	ownsPubSub bool
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewGateway creates a gateway for the namespace configured in options and
// subscribes it to the shared broadcast topic. If no options are provided,
// defaults are used: in-memory stores and a local pub/sub, suitable only for
// a single instance.
func NewGateway(ctx context.Context, options ...Options) (*Gateway, error) {
	opts := DefaultOptions()

	if len(options) > 0 {
		merged := options[0]
		fillDefaults(&merged)

		opts = &merged
	}
	gatewayCtx, cancel := context.WithCancel(ctx)

	g := &Gateway{
		namespace: opts.Namespace,
		nodeID:    uuid.NewString(),
		opts:      opts,
		log:       opts.logger().With("namespace", opts.Namespace),
		registry:  newRegistry(),
		metadata:  opts.MetadataStore,
		counters:  opts.CounterStore,
		pubsub:    opts.PubSub,
		topic:     formatTopic(opts.Namespace, "broadcast"),
		ctx:       gatewayCtx,
		cancel:    cancel,
	}
	if g.metadata == nil {
		g.metadata = NewMemoryMetadataStore()
	}
	if g.counters == nil {
		g.counters = NewMemoryCounterStore()
	}
	if g.pubsub == nil {
		g.pubsub = NewLocalPubSub(gatewayCtx, 100)
		g.ownsPubSub = true
	}
	g.hooks = newHookRegistry(g.log)
	g.debounce = newDebouncer(opts.DebounceWindow)
	g.sched = newScheduler(g.log)

	if err := g.pubsub.Subscribe(g.topic, g.handleEnvelope); err != nil {
		cancel()

		return nil, wrapF(err, "failed to subscribe gateway to broadcast topic %s", g.topic)
	}
	return g, nil
}

func fillDefaults(opts *Options) {
	defaults := DefaultOptions()

	if opts.Namespace == "" {
		opts.Namespace = defaults.Namespace
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = defaults.DebounceWindow
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = defaults.WriteBufferSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaults.SendTimeout
	}
	if opts.SendChannelBuffer <= 0 {
		opts.SendChannelBuffer = defaults.SendChannelBuffer
	}
	if opts.ReceiveChannelBuffer <= 0 {
		opts.ReceiveChannelBuffer = defaults.ReceiveChannelBuffer
	}
}

// Namespace returns the gateway's namespace.
func (g *Gateway) Namespace() string {
	return g.namespace
}

// OnConnected registers a callback invoked after each completed handshake.
// The returned function unregisters exactly that callback; calling it twice
// is a no-op.
func (g *Gateway) OnConnected(fn ConnectedHook) UnregisterFunc {
	return g.hooks.connected.add(fn)
}

// OnDisconnected registers a callback invoked after a socket disconnects.
func (g *Gateway) OnDisconnected(fn DisconnectedHook) UnregisterFunc {
	return g.hooks.disconnected.add(fn)
}

// OnMessage registers a callback invoked for every inbound message after its
// kind-specific handling.
func (g *Gateway) OnMessage(fn MessageHook) UnregisterFunc {
	return g.hooks.message.add(fn)
}

// OnJoinRoom registers a callback invoked when a socket joins a room.
func (g *Gateway) OnJoinRoom(fn RoomHook) UnregisterFunc {
	return g.hooks.joinRoom.add(fn)
}

// OnLeaveRoom registers a callback invoked when a socket leaves a room,
// including the implicit leaves fired on disconnect.
func (g *Gateway) OnLeaveRoom(fn RoomHook) UnregisterFunc {
	return g.hooks.leaveRoom.add(fn)
}

// HandleConnection transitions a socket into the Connected state: it records
// the session identity in the shared metadata store, wires message and close
// handling, triggers a debounced presence recompute, and runs the
// onConnected hooks. An empty sessionID falls back to the socket id.
func (g *Gateway) HandleConnection(ctx context.Context, t Transport, sessionID string) error {
	if sessionID == "" {
		sessionID = t.ID()
	}
	if err := g.registry.add(t); err != nil {
		return err
	}
	t.OnMessage(g.handleMessage)

	t.OnClose(func(closed Transport) error {
		g.HandleDisconnect(context.WithoutCancel(ctx), closed)

		return nil
	})

	// A close that lands before the handler above is registered never fires
	// it; the socket would sit in the registry forever and inflate the
	// online count.
	if !t.IsActive() {
		g.HandleDisconnect(context.WithoutCancel(ctx), t)

		return internal("gateway.connect", "socket "+t.ID()+" closed during handshake")
	}

	if err := g.metadata.Set(ctx, t.ID(), MetadataPatch{SessionID: &sessionID}); err != nil {
		// The socket stays connected and will count as a singleton until a
		// later write succeeds.
		g.log.Warn("failed to store session metadata", "socket", t.ID(), "error", err)
	}
	g.presenceChanged()

	g.hooks.runConnected(t)

	t.HandleMessages()

	return nil
}

// handleMessage dispatches one inbound client message. Unknown types and
// missing payload fields are logged and ignored; the onMessage hooks run for
// every message regardless of kind.
func (g *Gateway) handleMessage(msg Message, t Transport) error {
	ctx := g.ctx

	switch msg.Type {
	case messageTypeJoin:
		var payload joinPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.RoomName == "" {
			g.log.Warn("ignoring join with bad payload", "socket", t.ID(), "error", err)

			break
		}
		if err := g.Join(ctx, t, payload.RoomName); err != nil {
			g.log.Warn("join failed", "socket", t.ID(), "room", payload.RoomName, "error", err)
		}
	case messageTypeLeave:
		var payload leavePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.RoomName == "" {
			g.log.Warn("ignoring leave with bad payload", "socket", t.ID(), "error", err)

			break
		}
		if err := g.Leave(ctx, t, payload.RoomName); err != nil {
			g.log.Warn("leave failed", "socket", t.ID(), "room", payload.RoomName, "error", err)
		}
	case messageTypeUpdateSid:
		var payload updateSidPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SessionID == "" {
			g.log.Warn("ignoring update_sid with bad payload", "socket", t.ID(), "error", err)

			break
		}
		if err := g.metadata.Set(ctx, t.ID(), MetadataPatch{SessionID: &payload.SessionID}); err != nil {
			g.log.Warn("failed to update session id", "socket", t.ID(), "error", err)
		} else {
			g.presenceChanged()
		}
	default:
		g.log.Warn("ignoring message of unknown type", "socket", t.ID(), "type", msg.Type)
	}

	g.hooks.runMessage(t, msg)

	return nil
}

// HandleDisconnect transitions a socket to the terminal Disconnected state.
// The room set is read before the registry purges it so onLeaveRoom fires
// once per room the socket was in, then a visitor_offline broadcast carries
// the resolved session id, the onDisconnected hooks run, and finally the
// metadata entry is deleted. Idempotent for sockets already removed.
func (g *Gateway) HandleDisconnect(ctx context.Context, t Transport) {
	if _, known := g.registry.get(t.ID()); !known {
		return
	}

	meta, err := g.metadata.Get(ctx, t.ID())

	if err != nil {
		g.log.Warn("failed to resolve session on disconnect", "socket", t.ID(), "error", err)
	}
	sessionID := t.ID()

	if meta != nil && meta.SessionID != "" {
		sessionID = meta.SessionID
	}

	rooms := g.registry.remove(t.ID())

	for _, room := range rooms {
		g.hooks.runLeaveRoom(t, room)
	}

	payload := OfflinePayload{
		Online:    g.onlineCountExcluding(ctx, t.ID()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
	}
	if err := g.Broadcast(ctx, EventVisitorOffline, payload, nil); err != nil {
		g.log.Warn("visitor_offline broadcast failed", "socket", t.ID(), "error", err)
	}

	g.hooks.runDisconnected(t)

	if err := g.metadata.Clear(ctx, t.ID()); err != nil {
		g.log.Warn("failed to clear socket metadata", "socket", t.ID(), "error", err)
	}
}

// Broadcast publishes a domain event to connected clients cluster-wide. With
// options, delivery is restricted to the union of the named rooms and
// identifiers in Exclude (socket ids or session ids) are removed from the
// delivery set. Delivery is best-effort, at most once per connected socket.
func (g *Gateway) Broadcast(_ context.Context, event EventKind, data interface{}, opts *BroadcastOptions) error {
	envelope := broadcastEnvelope{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
		NodeID:    g.nodeID,
	}
	if opts != nil {
		envelope.Rooms = opts.Rooms
		envelope.Exclude = opts.Exclude
	}
	raw, err := json.Marshal(envelope)

	if err != nil {
		return wrapF(err, "failed to marshal broadcast envelope for event %s", event)
	}
	if err := g.pubsub.Publish(g.topic, raw); err != nil {
		return wrapF(err, "failed to publish broadcast for event %s", event)
	}
	return nil
}

// handleEnvelope delivers one broadcast envelope, received from the shared
// pub/sub channel, to this instance's sockets. Every instance, including the
// publisher, delivers the same envelope to its own sockets.
func (g *Gateway) handleEnvelope(_ string, data []byte) {
	var envelope broadcastEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		g.log.Warn("dropping malformed broadcast envelope", "error", err)

		return
	}

	var targets []Transport
	if len(envelope.Rooms) > 0 {
		for _, room := range envelope.Rooms {
			targets = append(targets, g.registry.socketsInRoom(room)...)
		}
		targets = lo.UniqBy(targets, func(t Transport) string { return t.ID() })
	} else {
		targets = g.registry.all()
	}

	if len(envelope.Exclude) > 0 {
		excluded := make(map[string]struct{}, len(envelope.Exclude))

		for _, id := range envelope.Exclude {
			excluded[id] = struct{}{}
		}
		targets = lo.Filter(targets, func(t Transport, _ int) bool {
			if _, skip := excluded[t.ID()]; skip {
				return false
			}
			meta, err := g.metadata.Get(g.ctx, t.ID())

			if err != nil || meta == nil {
				return true
			}
			_, skip := excluded[meta.SessionID]

			return !skip
		})
	}

	g.log.Debug("delivering broadcast", "event", envelope.Event, "node", envelope.NodeID, "targets", len(targets))

	out := OutboundMessage{
		Type:  "message",
		Event: envelope.Event,
		Data:  envelope.Data,
	}
	for _, t := range targets {
		if err := t.SendJSON(out); err != nil {
			g.log.Debug("broadcast delivery failed", "socket", t.ID(), "event", envelope.Event, "error", err)
		}
	}
}

// Close shuts the gateway down: it stops the debouncer, waits for background
// maintenance, unsubscribes from the broadcast topic, and closes every
// connected socket. Idempotent.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.debounce.Stop()

		g.cancel()

		if err := g.pubsub.Unsubscribe(g.topic); err != nil {
			g.log.Debug("failed to unsubscribe from broadcast topic", "error", err)
		}
		if g.ownsPubSub {
			_ = g.pubsub.Close()
		}
		for _, t := range g.registry.all() {
			t.Close()
		}
		g.sched.Close()
	})
}
