// Package listener supervises one listener subprocess per backend with
// listening enabled.
package listener

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/store"
)

// ErrStoreUnavailable is returned when the store did not answer within
// the configured wait.
var ErrStoreUnavailable = errors.New("store unavailable")

// stopTimeout is how long a stopped subprocess may take before it is
// killed.
const stopTimeout = 10 * time.Second

// Process is a running listener.
type Process interface {
	// Stop terminates the listener and waits for it to exit.
	Stop() error
	// Done is closed when the listener exited.
	Done() <-chan struct{}
}

// Launcher starts the listener of a backend.
type Launcher func(ctx context.Context, backend store.Backend) (Process, error)

type listener struct {
	backend store.Backend
	proc    Process
}

// Manager reconciles running listeners with the backends in the store.
type Manager struct {
	log       logrus.FieldLogger
	store     store.Store
	launch    Launcher
	interval  time.Duration
	wait      time.Duration
	mu        sync.Mutex
	listeners map[uint]*listener
}

// NewManager creates a Manager that starts listeners with launch.
func NewManager(
	log logrus.FieldLogger, cfg *config.ListenerConfig, s store.Store, launch Launcher,
) *Manager {
	return &Manager{
		log:       log.WithField("component", "listener"),
		store:     s,
		launch:    launch,
		interval:  config.DurationOr(cfg.ReconcileInterval, time.Minute),
		wait:      config.DurationOr(cfg.StoreWaitTimeout, 2*time.Minute),
		listeners: make(map[uint]*listener, 4),
	}
}

// Run waits for the store, then reconciles listeners every interval
// until ctx ends. Every listener is stopped before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.WaitForStore(ctx); err != nil {
		return err
	}

	defer func() {
		if err := m.StopAll(); err != nil {
			m.log.WithError(err).Warn("Failed to stop listeners")
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Reconcile(ctx); err != nil {
			m.log.WithError(err).Warn("Reconcile failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WaitForStore pings the store until it answers or the wait expires.
func (m *Manager) WaitForStore(ctx context.Context) error {
	deadline := time.Now().Add(m.wait)

	for {
		err := m.store.Ping(ctx)
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s: %v", ErrStoreUnavailable, m.wait, err)
		}

		m.log.WithError(err).Debug("Waiting for store")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Reconcile starts listeners for newly enabled backends, stops those of
// disabled or deleted ones and restarts listeners whose backend changed
// or whose process exited.
func (m *Manager) Reconcile(ctx context.Context) error {
	backends, err := m.store.ListBackends(ctx)
	if err != nil {
		return err
	}

	enabled := lo.SliceToMap(
		lo.Filter(backends, func(b store.Backend, _ int) bool { return b.ListenEnabled }),
		func(b store.Backend) (uint, store.Backend) { return b.ID, b },
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for id, l := range m.listeners {
		backend, ok := enabled[id]

		var reason string

		switch {
		case !ok:
			reason = "backend disabled"
		case changed(l.backend, backend):
			reason = "backend changed"
		case exited(l.proc):
			m.log.WithField("backend", l.backend.Name).Warn("Listener exited")
			delete(m.listeners, id)

			continue
		default:
			continue
		}

		// A listener that failed to stop stays tracked and is retried.
		if err := m.stop(l, reason); err != nil {
			errs = append(errs, err)

			continue
		}

		delete(m.listeners, id)
	}

	for _, backend := range backends {
		if !backend.ListenEnabled {
			continue
		}

		if _, ok := m.listeners[backend.ID]; ok {
			continue
		}

		proc, err := m.launch(ctx, backend)
		if err != nil {
			errs = append(errs, fmt.Errorf("starting listener of backend %q: %w", backend.Name, err))

			continue
		}

		m.listeners[backend.ID] = &listener{backend: backend, proc: proc}

		m.log.WithField("backend", backend.Name).Info("Started listener")
	}

	return errors.Join(errs...)
}

// Running returns the names of the backends with a listener.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := lo.Map(lo.Values(m.listeners), func(l *listener, _ int) string { return l.backend.Name })

	return lo.Uniq(names)
}

// StopAll stops every listener. Listeners that fail to stop stay tracked.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for id, l := range m.listeners {
		if err := m.stop(l, "shutting down"); err != nil {
			errs = append(errs, err)

			continue
		}

		delete(m.listeners, id)
	}

	return errors.Join(errs...)
}

func (m *Manager) stop(l *listener, reason string) error {
	log := m.log.WithFields(logrus.Fields{"backend": l.backend.Name, "reason": reason})

	if err := l.proc.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop listener")

		return fmt.Errorf("stopping listener of backend %q: %w", l.backend.Name, err)
	}

	log.Info("Stopped listener")

	return nil
}

// changed reports whether a backend field a listener depends on changed.
func changed(running, current store.Backend) bool {
	return running.Name != current.Name ||
		running.URL != current.URL ||
		running.Username != current.Username ||
		running.Token != current.Token ||
		running.ImplementationType != current.ImplementationType ||
		running.BackendSettings != current.BackendSettings
}

func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

// ExecLauncher starts listeners as "<executable> <args...> listen <name>"
// subprocesses sharing the parent's stdout and stderr.
func ExecLauncher(executable string, args ...string) Launcher {
	return func(_ context.Context, backend store.Backend) (Process, error) {
		cmdArgs := append(append([]string{}, args...), "listen", backend.Name)

		cmd := exec.Command(executable, cmdArgs...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return nil, err
		}

		p := &execProcess{cmd: cmd, done: make(chan struct{})}

		go func() {
			p.err = cmd.Wait()
			close(p.done)
		}()

		return p, nil
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Ensure interface compliance.
var _ Process = (*execProcess)(nil)

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

// Stop sends SIGTERM and kills the process if it outlives stopTimeout.
func (p *execProcess) Stop() error {
	if exited(p) {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signalling listener: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(stopTimeout):
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing listener: %w", err)
	}

	<-p.done

	return nil
}
