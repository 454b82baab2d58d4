// This file contains the Conn struct which represents a WebSocket connection
// to a client. It handles the low-level communication: read and write pumps,
// ping/pong keepalive, graceful shutdown, and close-handler dispatch.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type messageHandler func(msg Message, t Transport) error

type Conn struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	receive       chan []byte
	closeChan     chan struct{}
	readDone      chan struct{}
	closeOnce     sync.Once
	mutex         sync.RWMutex
	isClosing     bool
	closeHandlers []func(Transport) error
	handler       messageHandler
	options       *Options
	log           *slog.Logger
	ctx           context.Context
	cancel        context.CancelFunc
}

func newConn(mCtx context.Context, wsConn *websocket.Conn, id string, options *Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(mCtx)

	c := &Conn{
		id:        id,
		conn:      wsConn,
		ctx:       ctx,
		cancel:    cancel,
		closeChan: make(chan struct{}),
		readDone:  make(chan struct{}),
		send:      make(chan []byte, options.SendChannelBuffer),
		receive:   make(chan []byte, options.ReceiveChannelBuffer),
		options:   options,
		log:       options.logger().With("socket", id),
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, wrapF(err, "failed to set initial read deadline for connection %s", id)
	}

	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	c.conn.SetCloseHandler(func(code int, text string) error {
		c.Close()

		return nil
	})

	go c.readPump()

	go c.writePump()

	return c, nil
}

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(c.options.PongWait)); err != nil {
				return
			}
			messageType, message, err := c.conn.ReadMessage()

			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !errors.Is(err, context.Canceled) {
					c.log.Debug("read pump stopped", "error", err)
				}
				return
			}

			if messageType != websocket.TextMessage {
				c.log.Debug("dropping non-text frame")

				continue
			}
			select {
			case c.receive <- message:
			case <-c.ctx.Done():
				return
			case <-time.After(c.options.WriteWait):
				c.log.Warn("timed out delivering message to handler")

				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)

	defer func() {
		ticker.Stop()

		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}
			if !c.IsActive() {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed"))

				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if !c.IsActive() {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		case <-c.closeChan:
			return
		}
	}
}

// HandleMessages starts dispatching inbound messages to the registered
// handler. Malformed payloads are logged and dropped; they never close the
// connection. Handler panics are recovered per message.
func (c *Conn) HandleMessages() {
	go func() {
		for {
			select {
			case raw, ok := <-c.receive:
				if !ok {
					return
				}

				var msg Message
				if err := json.Unmarshal(raw, &msg); err != nil {
					c.log.Warn("ignoring malformed inbound message", "error", err)

					continue
				}

				c.mutex.RLock()
				handler := c.handler
				c.mutex.RUnlock()

				if handler == nil {
					c.log.Warn("no handler registered, dropping message", "type", msg.Type)

					continue
				}
				c.dispatch(handler, msg)
			case <-c.ctx.Done():
				return
			case <-c.closeChan:
				return
			}
		}
	}()
}

func (c *Conn) dispatch(handler messageHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", "type", msg.Type, "panic", r)
		}
	}()

	if err := handler(msg, c); err != nil {
		c.log.Warn("message handler failed", "type", msg.Type, "error", err)
	}
}

func (c *Conn) SendJSON(v interface{}) error {
	if !c.IsActive() {
		return internal("conn.send", "connection "+c.id+" is closing")
	}
	data, err := json.Marshal(v)

	if err != nil {
		return wrapF(err, "failed to marshal JSON for connection %s", c.id)
	}

	select {
	case <-c.closeChan:
		return internal("conn.send", "connection "+c.id+" is closing")
	case <-c.ctx.Done():
		return internal("conn.send", "connection "+c.id+" is closing due to context cancellation")
	case c.send <- data:
		return nil
	case <-time.After(c.sendTimeout()):
		go c.Close()

		return timeout("conn.send", "send timeout, connection "+c.id+" is closing")
	}
}

func (c *Conn) OnMessage(handler func(Message, Transport) error) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.handler = handler
}

// OnClose registers a callback executed when the connection closes.
// Callbacks run synchronously during cleanup, in registration order.
func (c *Conn) OnClose(callback func(Transport) error) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.closeHandlers = append(c.closeHandlers, callback)
}

// IsActive returns true while the connection can send and receive messages.
func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return !c.isClosing
}

// Close gracefully shuts down the connection. Idempotent.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.isClosing = true
		handlersToRun := make([]func(Transport) error, len(c.closeHandlers))

		copy(handlersToRun, c.closeHandlers)

		c.mutex.Unlock()

		c.cancel()

		close(c.closeChan)

		conn := c.conn

		if !fromReader && conn != nil {
			_ = conn.Close()

			<-c.readDone
		}

		for _, handler := range handlersToRun {
			if err := handler(c); err != nil {
				c.log.Warn("close handler failed", "error", err)
			}
		}

		if fromReader && conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) sendTimeout() time.Duration {
	if c.options != nil && c.options.SendTimeout > 0 {
		return c.options.SendTimeout
	}
	return 5 * time.Second
}
