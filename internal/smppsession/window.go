package smppsession

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/risk-sms/internal/latency"
	"github.com/flowcatalyst/risk-sms/internal/metrics"
)

// WindowMonitorConfig configures one WindowMonitor instance.
type WindowMonitorConfig struct {
	ServiceName           string
	Threshold             time.Duration // default 30s, per spec.md §4.3/§4.4
	MaxWindowSize         int
	SaturationThreshold   float64 // default 0.5
	HistoryLen            int     // default 10 ("H")
	MinCriticalOccurrences int    // default 5
}

func (c *WindowMonitorConfig) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 30 * time.Second
	}
	if c.SaturationThreshold <= 0 {
		c.SaturationThreshold = 0.5
	}
	if c.HistoryLen <= 0 {
		c.HistoryLen = 10
	}
	if c.MinCriticalOccurrences <= 0 {
		c.MinCriticalOccurrences = 5
	}
}

// WindowMonitor periodically inspects a Session's in-flight window,
// cancels stale slots, and triggers a rebind callback on sustained
// saturation. See spec.md §4.3.
type WindowMonitor struct {
	cfg     WindowMonitorConfig
	session func() Session // provider, never a cached reference
	stats   *latency.Stats

	mu           sync.Mutex
	history      []bool // circular buffer, length cfg.HistoryLen
	writeIndex   int
	trueCount    int
	rebindFn     func()

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWindowMonitor creates a WindowMonitor. sessionProvider must always
// return the manager's current session (or nil), never a captured value.
func NewWindowMonitor(cfg WindowMonitorConfig, sessionProvider func() Session, stats *latency.Stats) *WindowMonitor {
	cfg.applyDefaults()
	return &WindowMonitor{
		cfg:     cfg,
		session: sessionProvider,
		stats:   stats,
		history: make([]bool, cfg.HistoryLen),
	}
}

// SetRebindCallback installs the function invoked when sustained
// saturation is detected. Passing nil disables rebind triggering.
func (m *WindowMonitor) SetRebindCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebindFn = fn
}

// Start launches the periodic inspection task with the given initial delay
// and period. Cancellation (Stop) is observable within one period.
func (m *WindowMonitor) Start(initialDelay, period time.Duration) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go func() {
		defer close(m.doneCh)

		timer := time.NewTimer(initialDelay)
		defer timer.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-timer.C:
				m.safeInspect()
				timer.Reset(period)
			}
		}
	}()
}

// Stop cancels the periodic task and waits for the in-flight inspection (if
// any) to finish.
func (m *WindowMonitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

// safeInspect recovers from any panic in inspect so the scheduler task
// never dies silently, mirroring the teacher's per-hook isolation pattern.
func (m *WindowMonitor) safeInspect() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("service", m.cfg.ServiceName).Msg("WindowMonitor inspection panicked")
		}
	}()
	m.inspect()
}

// inspect performs one scan-cancel-evaluate cycle, per spec.md §4.3.
func (m *WindowMonitor) inspect() {
	sess := m.session()
	if sess == nil || !sess.Bound() {
		return
	}

	now := time.Now()
	entries := sess.WindowSnapshot()

	liberated := 0
	for _, e := range entries {
		elapsed := now.Sub(e.OfferedAt)
		if elapsed <= m.cfg.Threshold {
			continue
		}
		if sess.CancelSlot(e.Seq) {
			liberated++
			metrics.WindowLiberatedSlots.WithLabelValues(m.cfg.ServiceName).Inc()
		} else {
			log.Warn().Str("service", m.cfg.ServiceName).Uint32("seq", e.Seq).Msg("Failed to cancel stale window slot")
		}
		m.stats.RecordTimeout(elapsed)
	}

	critical := float64(liberated) >= float64(m.cfg.MaxWindowSize)*m.cfg.SaturationThreshold
	if critical {
		metrics.WindowCriticalInspections.WithLabelValues(m.cfg.ServiceName).Inc()
	}

	m.mu.Lock()
	prev := m.history[m.writeIndex]
	if prev {
		m.trueCount--
	}
	m.history[m.writeIndex] = critical
	if critical {
		m.trueCount++
	}
	m.writeIndex = (m.writeIndex + 1) % len(m.history)

	shouldRebind := m.trueCount >= m.cfg.MinCriticalOccurrences && m.rebindFn != nil
	rebindFn := m.rebindFn
	if shouldRebind {
		for i := range m.history {
			m.history[i] = false
		}
		m.trueCount = 0
	}
	m.mu.Unlock()

	if shouldRebind {
		log.Warn().Str("service", m.cfg.ServiceName).Msg("Window sustained saturation detected, triggering rebind")
		rebindFn()
	}
}
