package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"uirunner/pkg/logx"
)

// Server is the HTTP listener carrying the router.
type Server struct {
	log logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(log logx.Logger) *Server {
	return &Server{log: log.With(logx.String("comp", "http"))}
}

// Start listens on addr and serves h in the background.
func (s *Server) Start(addr string, h http.Handler, readHeaderTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("http server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	go func(addr string) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}(s.addr)
	s.log.Info("http listening", logx.String("addr", s.addr))
	return nil
}

// Addr returns the bound address, useful when started on ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts the server down. Hijacked websocket connections are
// not tracked by http.Server; close the hub as well.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return
	}

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
}
