// Package api serves the HTTP submission endpoints: result uploads, CI
// job submission and watching, test job resubmission and the files of
// stored test runs.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/ci"
	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/notification"
	"github.com/ethpandaops/squad/pkg/storage"
	"github.com/ethpandaops/squad/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Handler returns the router serving every endpoint.
	Handler() http.Handler
}

// Services are the collaborators the handlers call into.
type Services struct {
	Store    store.Store
	Objects  storage.ObjectStore
	Receiver *ingest.Receiver
	CI       *ci.Service
	Version  string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	objects    storage.ObjectStore
	receiver   *ingest.Receiver
	ci         *ci.Service
	renderer   *notification.Renderer
	version    string
	router     http.Handler
	limiters   []*rateLimiterMap
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config, svc Services) Server {
	s := &server{
		log:      log.WithField("component", "api"),
		cfg:      &cfg.API,
		store:    svc.Store,
		objects:  svc.Objects,
		receiver: svc.Receiver,
		ci:       svc.CI,
		renderer: notification.NewRenderer(&cfg.Global),
		version:  svc.Version,
	}

	s.router = s.buildRouter()

	return s
}

func (s *server) Handler() http.Handler {
	return s.router
}

// Start seeds the configured users and tokens and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	if err := s.store.SeedUsers(ctx, s.cfg.Auth.Users); err != nil {
		return fmt.Errorf("seeding users: %w", err)
	}

	if err := s.store.SeedTokens(ctx, s.cfg.Auth.Tokens); err != nil {
		return fmt.Errorf("seeding tokens: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
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

	for _, l := range s.limiters {
		l.stop()
	}

	s.log.Info("API server stopped")

	return nil
}
