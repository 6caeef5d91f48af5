// Package latency accumulates submit-response latency and timeout
// statistics for one carrier service.
package latency

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// accumulator tracks count/sum/min/max for a stream of durations.
type accumulator struct {
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func (a *accumulator) record(d time.Duration) {
	if a.count == 0 || d < a.min {
		a.min = d
	}
	if d > a.max {
		a.max = d
	}
	a.count++
	a.sum += d
}

func (a accumulator) mean() time.Duration {
	if a.count == 0 {
		return 0
	}
	return a.sum / time.Duration(a.count)
}

// Summary is a point-in-time, best-effort snapshot of one accumulator.
// Reads are allowed to be non-atomic across fields: this is monitoring, not
// billing.
type Summary struct {
	Count int64
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
}

// Stats is a thread-safe accumulator of submit latencies and timeouts for
// one service, with a windowed summary emitted every reportEvery records.
type Stats struct {
	mu          sync.Mutex
	serviceName string
	reportEvery int64

	allTime accumulator
	window  accumulator
	timeout accumulator
}

// NewStats creates a Stats accumulator that logs a window summary every
// reportEvery Record calls. reportEvery <= 0 falls back to 100.
func NewStats(serviceName string, reportEvery int) *Stats {
	if reportEvery <= 0 {
		reportEvery = 100
	}
	return &Stats{
		serviceName: serviceName,
		reportEvery: int64(reportEvery),
	}
}

// Record logs one successful or failed submit's round-trip latency. Every
// reportEvery-th record triggers a window summary log line and a reset of
// the window accumulator (the all-time accumulator never resets).
func (s *Stats) Record(d time.Duration) {
	s.mu.Lock()
	s.allTime.record(d)
	s.window.record(d)
	shouldReport := s.window.count%s.reportEvery == 0
	var windowSnapshot Summary
	if shouldReport {
		windowSnapshot = snapshot(s.window)
		s.window = accumulator{}
	}
	s.mu.Unlock()

	if shouldReport {
		log.Info().
			Str("service", s.serviceName).
			Int64("count", windowSnapshot.Count).
			Dur("mean", windowSnapshot.Mean).
			Dur("min", windowSnapshot.Min).
			Dur("max", windowSnapshot.Max).
			Msg("Latency window report")
	}
}

// RecordTimeout logs a submit that was cancelled/timed out. It increments
// the timeout accumulator independently of the success accumulators.
func (s *Stats) RecordTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout.record(d)
	s.mu.Unlock()
}

// AllTime returns a snapshot of the process-lifetime accumulator.
func (s *Stats) AllTime() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.allTime)
}

// Window returns a snapshot of the current (not-yet-reported) window.
func (s *Stats) Window() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.window)
}

// Timeouts returns a snapshot of the timeout accumulator.
func (s *Stats) Timeouts() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.timeout)
}

func snapshot(a accumulator) Summary {
	return Summary{
		Count: a.count,
		Sum:   a.sum,
		Min:   a.min,
		Max:   a.max,
		Mean:  a.mean(),
	}
}
