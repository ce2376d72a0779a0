// Package server implements the linechat TCP chat server: the accept loop,
// the per-connection line protocol, the session registry and its broadcast.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// ErrServerClosed is returned by Serve after Shutdown has been called.
var ErrServerClosed = errors.New("server: closed")

// CredentialStore authenticates and registers users.
//
// "Absent" outcomes (wrong password, unknown user, taken username) are
// reported as a nil user with a nil error. A non-nil error means storage
// failed.
type CredentialStore interface {
	Authenticate(ctx context.Context, username, password string) (*model.User, error)
	Register(ctx context.Context, username, password string) (*model.User, error)
	// LoadWithHistory is Authenticate with the user's messages attached,
	// oldest first.
	LoadWithHistory(ctx context.Context, username, password string) (*model.User, error)
}

// MessageStore persists and lists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, userID int64, text string, at time.Time) (*model.Message, error)
	MessagesByUser(ctx context.Context, userID int64) ([]model.Message, error)
}

// Dependencies holds external dependencies for the server.
// The caller owns the stores and closes them after the server stops.
type Dependencies struct {
	Credentials CredentialStore
	Messages    MessageStore
	Logger      *slog.Logger     // defaults to slog.Default()
	Clock       func() time.Time // message timestamps; defaults to time.Now
}

// Server is the linechat chat server.
type Server struct {
	cfg      Config
	creds    CredentialStore
	messages MessageStore
	log      *slog.Logger
	now      func() time.Time

	registry *Registry
	metrics  *Metrics
	prom     *prometheus.Registry

	mu         sync.Mutex
	listener   net.Listener
	inShutdown bool
	sessions   sync.WaitGroup

	// ctx scopes storage calls made by sessions. It is cancelled once
	// Shutdown finishes or gives up.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Credentials == nil || deps.Messages == nil {
		return nil, errors.New("server: credential and message stores are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultConfig().MaxLineLength
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = DefaultConfig().OutboundQueue
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		creds:    deps.Credentials,
		messages: deps.Messages,
		log:      logger.With("component", "server"),
		now:      now,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		prom:     prometheus.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.prom.MustRegister(s.metrics.Collectors(s.registry.Count)...)
	return s, nil
}

// Sessions returns the session registry.
func (s *Server) Sessions() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ListenAndServe listens on the configured address and serves clients until
// Shutdown. A bind failure is returned immediately.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and runs one session goroutine per
// connection. It always returns a non-nil error; after Shutdown it is
// ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.inShutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: accept: %w", err)
			}
			// A failed accept must not stop the loop.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			s.log.Error("accept error", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.startSession(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
	}
}

func (s *Server) startSession(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown {
		return false
	}

	sess := s.newSession(conn)
	s.registry.Add(sess)
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	sess.log.Debug("new connection")

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		sess.serve(s.ctx)
	}()
	return true
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inShutdown
}

// Shutdown stops accepting, tells every connected client the server is going
// down and waits for their sessions to finish. If ctx expires first the
// remaining connections are closed and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range s.registry.All() {
		sess.notifyShutdown()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		for _, sess := range s.registry.All() {
			_ = sess.conn.Close()
		}
		return ctx.Err()
	}
}

func (s *Server) drainTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 5 * time.Second
}
