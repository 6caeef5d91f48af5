// Package lifecycle orchestrates graceful shutdown across the gateway's
// components, adapted from the teacher's internal/common/lifecycle manager:
// the same phased, parallel-within-phase hook registry, with PhaseLeader
// renamed to PhaseSession since this gateway has no leader election, only
// per-service SMPP sessions to unbind.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ShutdownPhase defines the order shutdown hooks run in.
type ShutdownPhase int

const (
	// PhaseHTTP stops the health/metrics server from accepting new requests.
	PhaseHTTP ShutdownPhase = iota
	// PhaseServiceLoops stops every ServiceLoop from claiming new batches.
	PhaseServiceLoops
	// PhaseSenders drains in-flight Sender work.
	PhaseSenders
	// PhaseSession unbinds every SessionManager's SMPP session.
	PhaseSession
	// PhaseDatabase closes the MessageStore connection pool.
	PhaseDatabase
	// PhaseFinal runs any last cleanup.
	PhaseFinal
)

// ShutdownHook is one unit of shutdown work.
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager orchestrates graceful shutdown across registered hooks.
type Manager struct {
	mu              sync.Mutex
	hooks           []ShutdownHook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager creates a Manager with a 30s overall shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		hooks:           make([]ShutdownHook, 0),
		shutdownTimeout: 30 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout overrides the overall shutdown timeout.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterHook adds a shutdown hook, defaulting its timeout to 10s.
func (m *Manager) RegisterHook(hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterHTTPShutdown registers the health/metrics server's shutdown.
func (m *Manager) RegisterHTTPShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseHTTP, Timeout: 15 * time.Second, Shutdown: shutdown})
}

// RegisterServiceLoopShutdown registers one ServiceLoop's Stop.
func (m *Manager) RegisterServiceLoopShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseServiceLoops, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// RegisterSenderShutdown registers one Sender's drain.
func (m *Manager) RegisterSenderShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseSenders, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// RegisterSessionShutdown registers one SessionManager's unbind.
func (m *Manager) RegisterSessionShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseSession, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// RegisterDatabaseShutdown registers the MessageStore's Close.
func (m *Manager) RegisterDatabaseShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseDatabase, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// WaitForSignal blocks until SIGINT/SIGTERM, or until Shutdown is called.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.done:
		log.Info().Msg("Shutdown triggered programmatically")
	}
}

// Shutdown triggers the WaitForSignal select to unblock programmatically.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Execute runs every registered hook, phase by phase in order, hooks
// within a phase running in parallel.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	phaseHooks := make(map[ShutdownPhase][]ShutdownHook)
	for _, hook := range hooks {
		phaseHooks[hook.Phase] = append(phaseHooks[hook.Phase], hook)
	}

	phases := []ShutdownPhase{PhaseHTTP, PhaseServiceLoops, PhaseSenders, PhaseSession, PhaseDatabase, PhaseFinal}

	for _, phase := range phases {
		if len(phaseHooks[phase]) == 0 {
			continue
		}

		log.Info().Int("phase", int(phase)).Int("hooks", len(phaseHooks[phase])).Msg("Executing shutdown phase")

		var wg sync.WaitGroup
		for _, hook := range phaseHooks[phase] {
			wg.Add(1)
			go func(h ShutdownHook) {
				defer wg.Done()
				m.executeHook(ctx, h)
			}(hook)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	log.Info().Msg("Graceful shutdown completed")
	return nil
}

func (m *Manager) executeHook(parentCtx context.Context, hook ShutdownHook) {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	log.Debug().Str("hook", hook.Name).Dur("timeout", hook.Timeout).Msg("Executing shutdown hook")

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("Shutdown hook failed")
		} else {
			log.Debug().Str("hook", hook.Name).Msg("Shutdown hook completed")
		}
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("Shutdown hook timed out")
	}
}

// Run combines WaitForSignal and Execute for convenience.
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
