// Package server implements tyrantd: the TCP protocol listener and the
// admin HTTP API, both serving one engine.Engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sanonone/tyrantdb/pkg/engine"
)

// Server holds the network listeners and the underlying Database Engine.
type Server struct {
	Engine *engine.Engine

	cfg ServerConfig

	listener   net.Listener
	httpServer *http.Server
	httpLn     net.Listener

	taskManager *TaskManager
	mcpHandler  http.Handler

	// ctx is cancelled on Shutdown; every connection context derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*session]struct{}
	slots chan struct{}

	wg           sync.WaitGroup
	done         chan struct{}
	shutdownOnce sync.Once
}

// NewServer prepares a server for an existing Engine.
// Note: The Engine must be initialized (Open) before passing it here, and
// is not closed by Shutdown.
func NewServer(eng *engine.Engine, cfg ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Engine:      eng,
		cfg:         cfg,
		taskManager: NewTaskManager(),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[*session]struct{}),
		done:        make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// EnableMCP serves h under /mcp on the admin API. Must be called before Start.
func (s *Server) EnableMCP(h http.Handler) {
	s.mcpHandler = h
}

// Start binds the listeners and serves in background goroutines.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("TCP listen on %s failed: %w", s.cfg.TCPAddr, err)
	}
	s.listener = ln

	if s.cfg.HTTPAddr != "" {
		httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("HTTP listen on %s failed: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLn = httpLn
		s.httpServer = &http.Server{
			Handler:           s.httpHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			slog.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server failed", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	slog.Info("TCP server listening", "addr", ln.Addr().String())
	return nil
}

// Run starts the server and blocks until Shutdown is called.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.done
	return nil
}

// Addr returns the TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the admin listener address, or nil when disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			slog.Error("TCP accept failed", "error", err)
			return
		}

		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			default:
				slog.Warn("Connection rejected, limit reached", "remote", conn.RemoteAddr().String(), "limit", s.cfg.MaxConnections)
				rejectConn(conn, "max connections reached")
				continue
			}
		}

		sess := newSession(s, conn)
		s.mu.Lock()
		s.conns[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve()

			s.mu.Lock()
			delete(s.conns, sess)
			s.mu.Unlock()
			if s.slots != nil {
				<-s.slots
			}
		}()
	}
}

// Shutdown stops accepting connections, cancels running commands, closes
// every connection and stops the HTTP server.
// It does NOT close the Engine (main.go handles that for proper lifecycle management).
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	slog.Info("Starting graceful shutdown of the server")
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for sess := range s.conns {
		sess.close()
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}

	s.wg.Wait()
	s.taskManager.Wait()
	close(s.done)
}
