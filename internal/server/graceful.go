// Package server runs the HTTP server and coordinates graceful shutdown of
// its dependencies.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Closer is a named shutdown hook
type Closer struct {
	Name string
	Fn   func(context.Context) error
}

// Graceful wraps an http.Server with signal-driven shutdown. On SIGINT or
// SIGTERM the server stops accepting requests first, then the registered
// closers run concurrently until done or the timeout expires.
type Graceful struct {
	server  *http.Server
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	closers []Closer
	signals chan os.Signal
}

// NewGraceful creates a graceful server wrapper
func NewGraceful(server *http.Server, timeout time.Duration, logger *zap.Logger) *Graceful {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Graceful{
		server:  server,
		logger:  logger.With(zap.String("component", "server")),
		timeout: timeout,
		signals: make(chan os.Signal, 1),
	}
}

// OnShutdown registers a hook to run during shutdown
func (g *Graceful) OnShutdown(name string, fn func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closers = append(g.closers, Closer{Name: name, Fn: fn})
}

// ListenAndServe starts the server and blocks until a shutdown signal arrives
// and the shutdown sequence completes
func (g *Graceful) ListenAndServe() {
	go func() {
		g.logger.Info("server listening", zap.String("addr", g.server.Addr))
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Fatal("server failed", zap.Error(err))
		}
	}()

	signal.Notify(g.signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-g.signals
	g.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	g.shutdown()
}

// Stop triggers shutdown programmatically
func (g *Graceful) Stop() {
	select {
	case g.signals <- syscall.SIGTERM:
	default:
	}
}

func (g *Graceful) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Error("http shutdown failed, forcing close", zap.Error(err))
		g.server.Close()
	}

	g.mu.Lock()
	closers := make([]Closer, len(g.closers))
	copy(closers, g.closers)
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range closers {
		wg.Add(1)
		go func(c Closer) {
			defer wg.Done()
			if err := c.Fn(ctx); err != nil {
				g.logger.Error("shutdown hook failed",
					zap.String("hook", c.Name),
					zap.Error(err),
				)
				return
			}
			g.logger.Info("shutdown hook complete", zap.String("hook", c.Name))
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("shutdown complete")
	case <-ctx.Done():
		g.logger.Warn("shutdown timed out waiting for hooks")
	}
}
