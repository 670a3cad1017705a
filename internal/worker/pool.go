// Package worker runs the proxy as a fixed pool of workers that share one
// listening socket. Every worker owns its own handler chain, backend client
// and HTTP server, so nothing mutable is shared between them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"pdf2zh-proxy/internal/config"
)

// BuildFunc constructs the request handler for worker id. It is called once
// per worker and must return a fresh handler each time.
type BuildFunc func(id int) (http.Handler, error)

// Pool binds the proxy listener and serves it with cfg.Server.Workers workers.
type Pool struct {
	cfg    *config.Config
	logger *slog.Logger
	build  BuildFunc

	mu      sync.Mutex
	ln      net.Listener
	servers []*http.Server
	group   *errgroup.Group
	closing atomic.Bool
}

// New creates a Pool. Nothing is bound until Listen is called.
func New(cfg *config.Config, logger *slog.Logger, build BuildFunc) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: logger.With("component", "worker_pool"),
		build:  build,
	}
}

// Listen binds the configured address. A non-zero server.max_connections
// caps the number of simultaneously accepted connections across all workers.
func (p *Pool) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ln != nil {
		return errors.New("worker pool: already listening")
	}

	addr := p.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if n := p.cfg.Server.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}
	p.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (p *Pool) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Start builds every worker and begins accepting. It returns once all
// workers are running; use Wait to block until they stop.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ln == nil {
		return errors.New("worker pool: Start called before Listen")
	}
	if p.group != nil {
		return errors.New("worker pool: already started")
	}

	workers := max(p.cfg.Server.Workers, 1)
	servers := make([]*http.Server, 0, workers)
	for id := range workers {
		h, err := p.build(id)
		if err != nil {
			return fmt.Errorf("build worker %d: %w", id, err)
		}
		servers = append(servers, p.newServer(id, h))
	}

	g := new(errgroup.Group)
	for id, srv := range servers {
		g.Go(func() error {
			err := srv.Serve(p.ln)
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			// A sibling's Shutdown closed the shared listener first.
			if p.closing.Load() && errors.Is(err, net.ErrClosed) {
				return nil
			}
			p.logger.Error("worker stopped", "worker", id, "err", err)
			return fmt.Errorf("worker %d: %w", id, err)
		})
	}

	p.servers = servers
	p.group = g
	p.logger.Info("worker pool started",
		"addr", p.ln.Addr().String(),
		"workers", workers,
	)
	return nil
}

// Wait blocks until every worker has stopped and returns the first
// unexpected serve error.
func (p *Pool) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Shutdown stops accepting and drains in-flight requests on every worker
// until ctx expires. Event streams still open when ctx expires are cut off.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closing.Store(true)

	p.mu.Lock()
	servers := p.servers
	ln := p.ln
	p.mu.Unlock()

	if len(servers) == 0 {
		if ln != nil {
			return ignoreClosed(ln.Close())
		}
		return nil
	}

	var g errgroup.Group
	for _, srv := range servers {
		g.Go(func() error {
			err := srv.Shutdown(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				_ = srv.Close()
			}
			// All workers share one listener; only the first close succeeds.
			return ignoreClosed(err)
		})
	}
	err := g.Wait()
	if werr := p.Wait(); err == nil {
		err = werr
	}
	return err
}

func (p *Pool) newServer(id int, h http.Handler) *http.Server {
	return &http.Server{
		Handler: h,
		// Uploads can be large and event streams long-lived, so only the
		// request headers and idle keep-alive connections are time-bounded.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog: slog.NewLogLogger(
			p.logger.With("worker", id).Handler(), slog.LevelWarn,
		),
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
