// This file contains the Manager struct which handles WebSocket upgrades and
// origin checking, and hands accepted connections to the Gateway. The
// Manager is the only HTTP touchpoint of the package.
package gateway

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Manager struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	options  *Options
}

// NewManager creates a Manager serving websocket upgrades for the gateway.
func NewManager(g *Gateway) *Manager {
	opts := g.opts

	return &Manager{
		gateway: g,
		options: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.ReadBufferSize,
			WriteBufferSize:   opts.WriteBufferSize,
			CheckOrigin:       createOriginChecker(opts),
			EnableCompression: opts.EnableCompression,
		},
	}
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	var compiledRegexps []*regexp.Regexp
	if opts.CheckOrigin && len(opts.AllowedOriginRegexps) > 0 {
		compiledRegexps = append(compiledRegexps, opts.AllowedOriginRegexps...)
	}
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		for _, pattern := range compiledRegexps {
			if pattern.MatchString(origin) {
				return true
			}
		}
		return false
	}
}

// sessionFromRequest extracts the client-supplied session identifier from
// the handshake: header first, then query parameter, then the fallback
// (the transport-assigned socket id).
func sessionFromRequest(r *http.Request, fallback string) string {
	if sid := r.Header.Get(sessionHeader); sid != "" {
		return sid
	}
	if sid := r.URL.Query().Get(sessionQueryParam); sid != "" {
		return sid
	}
	return fallback
}

// HTTPHandler returns the handler that upgrades incoming requests and runs
// the connection lifecycle until disconnect.
func (m *Manager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := m.upgrader.Upgrade(w, r, nil)

		if err != nil {
			// Upgrade already wrote the HTTP error response.
			m.gateway.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)

			return
		}
		socketID := uuid.NewString()

		conn, err := newConn(m.gateway.ctx, wsConn, socketID, m.options)

		if err != nil {
			m.gateway.log.Warn("connection setup failed", "socket", socketID, "error", err)

			_ = wsConn.Close()

			return
		}
		sessionID := sessionFromRequest(r, socketID)

		if err := m.gateway.HandleConnection(r.Context(), conn, sessionID); err != nil {
			m.gateway.log.Warn("handshake handling failed", "socket", socketID, "error", err)

			conn.Close()
		}
	}
}
