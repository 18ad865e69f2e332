// Package server runs the operational HTTP endpoints of a replica process
// (metrics and health) and shuts them down gracefully.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
)

// DefaultShutdownTimeout bounds how long in-flight requests may drain.
const DefaultShutdownTimeout = 5 * time.Second

// GracefulServer wraps an HTTP server with graceful shutdown capabilities
type GracefulServer struct {
	server          *http.Server
	logger          logging.Logger
	shutdownTimeout time.Duration
	shutdownCh      chan struct{}
	shutdownOnce    sync.Once
	shutdownErr     error
}

// NewGracefulServer creates a new graceful HTTP server
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:          logging.OrNop(logger).With(logging.Component("ops-server"), logging.String("addr", addr)),
		shutdownTimeout: DefaultShutdownTimeout,
		shutdownCh:      make(chan struct{}),
	}
}

// SetShutdownTimeout changes how long Shutdown waits for requests to drain.
func (gs *GracefulServer) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		gs.shutdownTimeout = d
	}
}

// Addr returns the configured listen address.
func (gs *GracefulServer) Addr() string {
	return gs.server.Addr
}

// Run listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (gs *GracefulServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", gs.server.Addr, err)
	}
	return gs.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or Shutdown is called.
func (gs *GracefulServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		gs.logger.Info("serving", logging.String("listener", ln.Addr().String()))
		errCh <- gs.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return gs.waitShutdown()
		}
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	case <-ctx.Done():
		if err := gs.Shutdown(); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (gs *GracefulServer) waitShutdown() error {
	<-gs.shutdownCh
	return gs.shutdownErr
}

// Shutdown stops accepting connections and waits for in-flight requests,
// up to the shutdown timeout. Later calls return the first result.
func (gs *GracefulServer) Shutdown() error {
	gs.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), gs.shutdownTimeout)
		defer cancel()

		timer := logging.StartTimer(gs.logger, "graceful shutdown",
			logging.Duration("timeout", gs.shutdownTimeout))
		if err := gs.server.Shutdown(ctx); err != nil {
			gs.shutdownErr = fmt.Errorf("shutdown %s: %w", gs.server.Addr, err)
			timer.EndError(err)
		} else {
			timer.End()
		}
		close(gs.shutdownCh)
	})
	return gs.waitShutdown()
}

// IsShuttingDown returns true if shutdown has completed
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown completes
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}
