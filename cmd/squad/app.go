package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/squad/pkg/callback"
	"github.com/ethpandaops/squad/pkg/ci"
	"github.com/ethpandaops/squad/pkg/ci/backend"
	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/notification"
	"github.com/ethpandaops/squad/pkg/plugins"
	"github.com/ethpandaops/squad/pkg/status"
	"github.com/ethpandaops/squad/pkg/storage"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

const callbackTimeout = 30 * time.Second

// app holds the services every command builds on.
type app struct {
	cfg        *config.Config
	store      store.Store
	objects    storage.ObjectStore
	queue      tasks.Queue
	plugins    *plugins.Registry
	aggregator *status.Aggregator
	receiver   *ingest.Receiver
	adapters   ci.Registry
	ci         *ci.Service
}

// newApp loads and validates the config, starts the store and wires the
// pipeline services.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	s := store.NewStore(log, &cfg.Database)
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	objects, err := storage.New(log, &cfg.Storage)
	if err != nil {
		_ = s.Stop()

		return nil, fmt.Errorf("creating object store: %w", err)
	}

	queue := tasks.NewQueue(log, s)
	registry := plugins.Default(log)
	aggregator := status.NewAggregator(log, s, queue, registry)
	receiver := ingest.NewReceiver(log, s, objects, registry, aggregator)
	adapters := backend.NewRegistry(ci.Env{Log: log, Store: s, Queue: queue})

	return &app{
		cfg:        cfg,
		store:      s,
		objects:    objects,
		queue:      queue,
		plugins:    registry,
		aggregator: aggregator,
		receiver:   receiver,
		adapters:   adapters,
		ci:         ci.NewService(log, s, queue, adapters, receiver, registry, aggregator),
	}, nil
}

// newWorker returns a task worker with every pipeline task registered.
func (a *app) newWorker() tasks.Worker {
	w := tasks.NewWorker(log, &a.cfg.Worker, a.store)

	a.ci.Register(w)
	a.aggregator.Register(w)

	notification.NewService(log, a.cfg, a.store, a.queue,
		notification.NewMailer(log, &a.cfg.Email)).Register(w)

	callback.NewDispatcher(log, a.store,
		&http.Client{Timeout: callbackTimeout}).Register(w)

	return w
}

func (a *app) close() {
	if err := a.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
