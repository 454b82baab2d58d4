// This file contains the Server struct which manages the HTTP server
// lifecycle hosting the gateway endpoint, including graceful shutdown on
// SIGINT/SIGTERM.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Server struct {
	server    *http.Server
	gateway   *Gateway
	manager   *Manager
	mutex     sync.RWMutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a server hosting the gateway's websocket endpoint at
// /socket. If no options are provided, defaults are used.
func NewServer(options *ServerOptions) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := options.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	g, err := NewGateway(ctx, *opts)

	if err != nil {
		cancel()

		return nil, err
	}
	manager := NewManager(g)

	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	mux := http.NewServeMux()

	mux.Handle("/socket", manager.HTTPHandler())

	return &Server{
		ctx:     ctx,
		cancel:  cancel,
		gateway: g,
		manager: manager,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  options.ServerReadTimeout,
			WriteTimeout: options.ServerWriteTimeout,
			IdleTimeout:  options.ServerIdleTimeout,
			TLSConfig:    options.ServerTLSConfig,
		},
	}, nil
}

// Gateway returns the server's gateway, the handle feature modules use to
// register lifecycle hooks and issue broadcasts.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Start begins listening in a background goroutine and returns immediately.
func (s *Server) Start() error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return internal("server", "server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	go func() {
		var err error
		if s.server.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.gateway.log.Error("server stopped", "error", err)
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully, waiting up to 30 seconds for connections to drain.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	if err := s.Stop(30 * time.Second); err != nil {
		return wrapF(err, "error during server shutdown")
	}
	return nil
}

// IsRunning returns true while the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop gracefully shuts down the server with the given timeout, closing the
// gateway (and with it every connected socket) first. Returns nil if the
// server was not running.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()

	if !s.isRunning {
		s.mutex.Unlock()

		return nil
	}
	s.mutex.Unlock()

	s.gateway.Close()

	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)

	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return wrapF(err, "server shutdown failed")
	}
	return nil
}
