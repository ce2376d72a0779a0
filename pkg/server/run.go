package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Run binds the chat and metrics listeners, serves until ctx is cancelled or
// SIGINT/SIGTERM arrives, then shuts down gracefully within ShutdownTimeout.
// A bind failure is returned before anything is served.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	var metricsLn net.Listener
	if s.cfg.MetricsAddr != "" {
		metricsLn, err = net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: listen metrics: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.Serve(ln); !errors.Is(err, ErrServerClosed) {
			return err
		}
		return nil
	})
	if metricsLn != nil {
		g.Go(func() error { return s.serveMetrics(gctx, metricsLn) })
	}
	s.metrics.StartPeriodicLog(s.log, s.cfg.MetricsInterval, gctx.Done())

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down...", "sessions", s.registry.Count())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		s.metrics.LogSummary(s.log)
		return nil
	})

	return g.Wait()
}
