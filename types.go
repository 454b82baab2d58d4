// This file contains type definitions for the gateway including message envelopes,
// configuration options, and constants used throughout the package.
package gateway

import (
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"
)

// EventKind identifies a domain event carried by an outbound broadcast.
type EventKind string

const (
	// EventVisitorOnline is broadcast (debounced) whenever the distinct
	// visitor count may have changed because of a connect or session update.
	EventVisitorOnline EventKind = "visitor_online"

	// EventVisitorOffline is broadcast when a socket disconnects. Its payload
	// carries the session id that went away alongside the fresh count.
	EventVisitorOffline EventKind = "visitor_offline"
)

// Message is the inbound client envelope. One logical message kind per call.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	messageTypeJoin      = "join"
	messageTypeLeave     = "leave"
	messageTypeUpdateSid = "update_sid"
)

type joinPayload struct {
	RoomName string `json:"roomName"`
}

type leavePayload struct {
	RoomName string `json:"roomName"`
}

type updateSidPayload struct {
	SessionID string `json:"sessionId"`
}

// OutboundMessage is the envelope delivered to connected clients.
// The wire shape is {"type": "message", "event": <kind>, "data": <payload>}.
type OutboundMessage struct {
	Type  string      `json:"type"`
	Event EventKind   `json:"event"`
	Data  interface{} `json:"data"`
}

// OnlinePayload is the payload of visitor_online broadcasts.
type OnlinePayload struct {
	Online    int    `json:"online"`
	Timestamp string `json:"timestamp"`
}

// OfflinePayload is the payload of visitor_offline broadcasts. SessionID is
// the identity of the visitor whose socket went away, resolved before the
// socket's metadata was purged.
type OfflinePayload struct {
	Online    int    `json:"online"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

// BroadcastOptions restricts delivery of a broadcast. A nil options value or
// empty fields mean cluster-wide delivery to every connected socket in the
// gateway's namespace.
type BroadcastOptions struct {
	// Rooms limits delivery to sockets in the union of these rooms.
	Rooms []string

	// Exclude removes sockets whose socket id or session id matches any of
	// these identifiers from the delivery set.
	Exclude []string
}

// broadcastEnvelope is the shape published onto the shared pub/sub topic so
// that every instance can deliver the broadcast to its own sockets.
type broadcastEnvelope struct {
	Event     EventKind   `json:"event"`
	Data      interface{} `json:"data"`
	Rooms     []string    `json:"rooms,omitempty"`
	Exclude   []string    `json:"exclude,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	NodeID    string      `json:"nodeId,omitempty"`
}

const (
	// sessionHeader and sessionQueryParam carry a client-generated session id
	// during the handshake. When neither is present the socket id is used.
	sessionHeader     = "X-Socket-Session-Id"
	sessionQueryParam = "socket_session_id"
)

// Options configures gateway and transport behavior.
type Options struct {
	// Namespace scopes metadata keys and pub/sub topics so multiple logical
	// gateways can share one Redis deployment.
	Namespace string

	// DebounceWindow is the presence recompute coalescing window.
	DebounceWindow time.Duration

	// MetadataStore holds per-socket ephemeral state. Defaults to an
	// in-memory store suitable only for single-instance deployments.
	MetadataStore MetadataStore

	// CounterStore tracks per-day max online counts. Defaults to an
	// in-memory store.
	CounterStore CounterStore

	// PubSub is the shared fan-out channel. Defaults to a local in-memory
	// implementation suitable only for single-instance deployments.
	PubSub PubSub

	// Logger receives swallowed errors (store outages, hook panics,
	// maintenance failures). Defaults to slog.Default().
	Logger *slog.Logger

	CheckOrigin          bool
	AllowedOrigins       []string
	AllowedOriginRegexps []*regexp.Regexp
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	SendTimeout          time.Duration
	EnableCompression    bool
	SendChannelBuffer    int
	ReceiveChannelBuffer int
}

// ServerOptions configures the HTTP server that hosts the gateway endpoint.
type ServerOptions struct {
	Options            *Options
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}

// DefaultOptions returns an Options struct with sensible defaults:
// no origin checking, 1KB buffers, 512KB max message size, 30s ping
// interval, 60s pong wait, and a 1 second presence debounce window.
func DefaultOptions() *Options {
	return &Options{
		Namespace:            "web",
		DebounceWindow:       time.Second,
		CheckOrigin:          false,
		ReadBufferSize:       1024,
		WriteBufferSize:      1024,
		MaxMessageSize:       512 * 1024,
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
		SendTimeout:          5 * time.Second,
		SendChannelBuffer:    256,
		ReceiveChannelBuffer: 256,
	}
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
