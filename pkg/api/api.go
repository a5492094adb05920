package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/events"
	"github.com/ethpandaops/wavekeeper/pkg/indexstore"
	"github.com/ethpandaops/wavekeeper/pkg/results"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Option customizes a Server.
type Option func(*server)

// WithEvents enables the per-session event stream.
func WithEvents(bus events.Bus) Option {
	return func(s *server) {
		s.bus = bus
	}
}

// WithIndex enables the session index endpoints.
func WithIndex(store indexstore.Store) Option {
	return func(s *server) {
		s.indexStore = store
	}
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	sessions   session.Store
	results    results.Manager
	bus        events.Bus
	indexStore indexstore.Store
	reports    *localFileServer
	limiters   []*rateLimiterMap
	maxImport  int64
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server over the session store and results
// manager.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	sessions session.Store,
	manager results.Manager,
	opts ...Option,
) (Server, error) {
	return newServer(log, cfg, sessions, manager, opts...)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	sessions session.Store,
	manager results.Manager,
	opts ...Option,
) (*server, error) {
	maxImport, err := cfg.MaxImportBytes()
	if err != nil {
		return nil, err
	}

	s := &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		sessions:  sessions,
		results:   manager,
		maxImport: maxImport,
		done:      make(chan struct{}),
	}

	s.reports = newLocalFileServer(s.log, cfg.Results.Dir)

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start builds the router and starts the HTTP server.
func (s *server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	for _, rl := range s.limiters {
		rl.stop()
	}

	s.log.Info("API server stopped")

	return nil
}
