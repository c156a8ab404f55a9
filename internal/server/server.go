// Package server exposes the sync service over HTTP and WebSocket.
//
// The HTTP surface carries the request/response operations (put, get, diff,
// stats); subscriptions stream over WebSocket, one JSON event per committed
// version. A subscriber the broadcaster cut for falling behind has its
// socket closed with a going-away status and a "resync required" reason, to
// tell the client to reconnect and fetch a fresh full payload.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ctxsync/ctxsyncd/internal/service"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on. Zero picks a random free port.
	Port int

	// WriteTimeout bounds each subscriber event write.
	WriteTimeout time.Duration

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:         7171,
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server serves the sync service over HTTP.
type Server struct {
	svc    *service.Service
	config *Config

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server for the given service.
func New(svc *service.Service, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		svc:    svc,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins listening and serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/projects/{project}/context", s.handlePut)
	mux.HandleFunc("GET /v1/projects/{project}/context", s.handleGet)
	mux.HandleFunc("GET /v1/projects/{project}/diff", s.handleDiff)
	mux.HandleFunc("GET /v1/projects/{project}/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: subscribe responses are long-lived streams.
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, closing subscriber streams first.
func (s *Server) Stop() error {
	s.config.Logger.Println("Stopping server")

	// Unblocks subscribe handlers so Shutdown doesn't wait on them.
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.config.Logger.Println("Server stopped")
	return nil
}

// Addr returns the listening address once the server has started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}
