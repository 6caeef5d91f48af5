package smppsession

import (
	"context"
	"sync"
	"time"

	"github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/flowcatalyst/risk-sms/internal/metrics"
)

// DialConfig holds everything needed to (re)bind a session. SessionManager
// memoizes this at construction so rebind never needs fresh input.
type DialConfig struct {
	ServiceName         string
	Addr                string
	SystemID            string
	Password            string
	WindowSize          uint
	EnquireLinkInterval time.Duration
	EnquireLinkTimeout  time.Duration
	RespTimeout         time.Duration
	BindTimeout         time.Duration

	MaxRebindAttempts int
	RebindBackoff     time.Duration
	RebindSettle      time.Duration
}

func (c *DialConfig) applyDefaults() {
	if c.EnquireLinkInterval <= 0 {
		c.EnquireLinkInterval = 10 * time.Second
	}
	if c.EnquireLinkTimeout <= 0 {
		c.EnquireLinkTimeout = 5 * time.Second
	}
	if c.RespTimeout <= 0 {
		c.RespTimeout = 3 * time.Second
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = 10 * time.Second
	}
	if c.MaxRebindAttempts <= 0 {
		c.MaxRebindAttempts = 5
	}
	if c.RebindBackoff <= 0 {
		c.RebindBackoff = 2 * time.Second
	}
	if c.RebindSettle <= 0 {
		c.RebindSettle = 15 * time.Second
	}
}

// InboundHandler is called on every inbound PDU (deliver_sm) the session
// receives while bound. It is wired to internal/inbound.Handler.Handle.
type InboundHandler func(p pdu.Body)

// SessionManager owns the current bound Session for one configured service,
// rebinds it on demand with bounded retry, and wraps Submit in a circuit
// breaker per spec.md §4.4 and the teacher's mediator breaker pattern
// (internal/router/mediator/http.go).
type SessionManager struct {
	cfg     DialConfig
	onPDU   InboundHandler
	breaker *gobreaker.CircuitBreaker

	mu         sync.RWMutex
	current    *fiorixSession
	generation string // uuid minted on each successful bind, carried into log lines

	rebinding sync.Mutex // serializes concurrent rebind triggers
}

// NewSessionManager constructs a manager in the unbound state; call Bind to
// establish the first session.
func NewSessionManager(cfg DialConfig, onPDU InboundHandler) *SessionManager {
	cfg.applyDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ServiceName + "-submit",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("service", cfg.ServiceName).Str("from", from.String()).Str("to", to.String()).Msg("Submit circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(cfg.ServiceName).Set(float64(to))
		},
	})

	return &SessionManager{cfg: cfg, onPDU: onPDU, breaker: breaker}
}

// Bind establishes the initial session. Subsequent loss of connection is
// handled by Rebind, normally triggered by WindowMonitor's saturation
// callback (SetRebindCallback).
func (m *SessionManager) Bind(ctx context.Context) error {
	sess, err := dialSession(m.cfg, m.handlerFunc())
	if err != nil {
		return err
	}
	generation := uuid.New().String()
	m.mu.Lock()
	m.current = sess
	m.generation = generation
	m.mu.Unlock()
	metrics.SessionBound.WithLabelValues(m.cfg.ServiceName).Set(1)
	log.Info().Str("service", m.cfg.ServiceName).Str("generation", generation).Msg("Session bound")
	return nil
}

func (m *SessionManager) handlerFunc() smpp.HandlerFunc {
	return func(p pdu.Body) {
		if m.onPDU != nil {
			m.onPDU(p)
		}
	}
}

// Current returns the manager's current session, or nil when none is held
// (before Bind, while Rebind is between sessions, and after Shutdown).
// This is the function WindowMonitor and Sender must call on every use;
// they must never cache the returned value across calls.
func (m *SessionManager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return m.current
}

// Submit routes through the circuit breaker, tripping it open on sustained
// transport failure independent of (and in addition to) the bounded rebind
// retry triggered by window saturation.
func (m *SessionManager) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	sess := m.Current()
	if sess == nil {
		return SubmitResult{}, ErrNotBound
	}

	start := time.Now()
	result, err := m.breaker.Execute(func() (interface{}, error) {
		return sess.Submit(ctx, req)
	})
	metrics.SubmitLatency.WithLabelValues(m.cfg.ServiceName).Observe(time.Since(start).Seconds())

	if err != nil {
		return SubmitResult{}, err
	}
	if result == nil {
		return SubmitResult{}, err
	}
	return result.(SubmitResult), nil
}

// Rebind tears down the current session (if any), settles for
// cfg.RebindSettle, and attempts to establish a new one, making at most
// cfg.MaxRebindAttempts attempts with a fixed backoff between failed
// attempts, per spec.md §4.4. It is safe to call concurrently; overlapping
// calls are serialized, and each one runs its own full teardown and attempt
// sequence after the previous call returns.
func (m *SessionManager) Rebind(ctx context.Context) error {
	m.rebinding.Lock()
	defer m.rebinding.Unlock()

	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()
	metrics.SessionBound.WithLabelValues(m.cfg.ServiceName).Set(0)

	if old != nil {
		old.Unbind(5 * time.Second)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.RebindSettle):
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRebindAttempts; attempt++ {
		sess, err := dialSession(m.cfg, m.handlerFunc())
		if err == nil {
			generation := uuid.New().String()
			m.mu.Lock()
			m.current = sess
			m.generation = generation
			m.mu.Unlock()
			metrics.SessionBound.WithLabelValues(m.cfg.ServiceName).Set(1)
			metrics.RebindAttempts.WithLabelValues(m.cfg.ServiceName, "success").Inc()
			log.Info().Str("service", m.cfg.ServiceName).Str("generation", generation).Int("attempt", attempt).Msg("Rebind succeeded")
			return nil
		}
		lastErr = err
		metrics.RebindAttempts.WithLabelValues(m.cfg.ServiceName, "failure").Inc()
		log.Error().Err(err).Str("service", m.cfg.ServiceName).Int("attempt", attempt).Msg("Rebind attempt failed")

		if attempt < m.cfg.MaxRebindAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.RebindBackoff):
			}
		}
	}
	log.Error().Str("service", m.cfg.ServiceName).Int("attempts", m.cfg.MaxRebindAttempts).Msg("Rebind exhausted all attempts, session remains unbound")
	return lastErr
}

// Shutdown unbinds the current session and releases resources.
func (m *SessionManager) Shutdown(wait time.Duration) {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()
	if sess != nil {
		sess.Unbind(wait)
	}
	metrics.SessionBound.WithLabelValues(m.cfg.ServiceName).Set(0)
}
