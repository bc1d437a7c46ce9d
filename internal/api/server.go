package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"taskq/internal/runtime/supervisor"
	logx "taskq/pkg/logx"
)

// Server manages the lifecycle of the HTTP listener.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	sup  *supervisor.Supervisor
	srv  *http.Server
	ln   net.Listener
	addr string
}

// NewServer returns a stopped server. The serve loop runs under sup.
func NewServer(sup *supervisor.Supervisor, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{sup: sup, log: log.With(logx.String("comp", "http"))}
}

// Start listens on addr and serves h. A running server is restarted when addr changes.
func (s *Server) Start(ctx context.Context, addr string, h http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		if s.addr == addr {
			return nil
		}
		s.stopLocked(ctx)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	bound := s.addr
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", bound), logx.Err(err))
			return err
		}
		return nil
	})
	s.log.Info("http enabled", logx.String("addr", bound))
	return nil
}

// Stop gracefully shuts the server down. SSE streams are cut when ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		s.log.Debug("http shutdown forced", logx.String("addr", addr), logx.Err(err))
	}
	s.log.Info("http disabled", logx.String("addr", addr))
}

// Addr reports the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
