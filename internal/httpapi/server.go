package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"dispatchd/pkg/logx"
)

func (a *api) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.log.Error("http handler panic",
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())))
				a.fail(w, r, http.StatusInternalServerError, "internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request", middleware.GetReqID(r.Context())))
	})
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	return c
}

// Server owns the listener lifecycle of one handler.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	h    http.Handler
	srv  *http.Server
	ln   net.Listener
	addr string
	done chan error
}

func NewServer(h http.Handler, log logx.Logger) *Server {
	return &Server{h: h, log: log.With(logx.String("comp", "http"))}
}

// Start listens on cfg.Addr and serves in the background. Calling Start on
// a running server is a no-op.
func (s *Server) Start(cfg ServerConfig) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()
	s.done = make(chan error, 1)

	go func(done chan<- error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.log.Warn("http server error", logx.String("addr", s.Addr()), logx.Err(err))
		}
		done <- err
	}(s.done)
	s.log.Info("http listening", logx.String("addr", s.addr))
	return nil
}

// Run starts the server and blocks until ctx is done or serving fails.
func (s *Server) Run(ctx context.Context, cfg ServerConfig) error {
	if err := s.Start(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
		return nil
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("http stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
