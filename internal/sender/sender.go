// Package sender implements Sender: per-message GSM-7/UDH segmentation,
// submission over a Session, and outcome bookkeeping, dispatched under one
// of four strategies selected by configuration. See spec.md §4.6.
//
// The worker-pool/semaphore shape is grounded on the teacher's outbox
// Processor (internal/outbox/processor.go): a bounded-concurrency
// semaphore gates in-flight work, and per-item outcomes (success, retry,
// permanent failure) are resolved exactly once each.
package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/risk-sms/internal/config"
	"github.com/flowcatalyst/risk-sms/internal/gsm7"
	"github.com/flowcatalyst/risk-sms/internal/latency"
	"github.com/flowcatalyst/risk-sms/internal/message"
	"github.com/flowcatalyst/risk-sms/internal/metrics"
	"github.com/flowcatalyst/risk-sms/internal/smppsession"
	"github.com/flowcatalyst/risk-sms/internal/store"
)

// DefaultWorkerPoolSize bounds how many segments/messages a Sender will
// submit concurrently under the parallel dispatch modes.
const DefaultWorkerPoolSize = 50

// DefaultSendDelay is used when the configured delay is not positive.
const DefaultSendDelay = 500 * time.Millisecond

// codeSessionUnavailable and codeException are synthetic response codes
// (outside the SMPP command_status range) recorded on messages.response_code
// when Submit fails before or without getting an SMSC status back.
const (
	codeSessionUnavailable = 999998
	codeException          = 999999
)

// retryableStatusCodes are the submit_sm_resp command_status values that
// warrant another attempt rather than a permanent failure.
var retryableStatusCodes = map[int]bool{
	-1: true, // transport-level failure surfaced as a status
	8:  true, // ESME_RSYSERR
	20: true, // ESME_RMSGQFUL
	88: true, // ESME_RTHROTTLED
}

// Submitter is the subset of SessionManager Sender depends on. Narrowing
// to an interface keeps Sender testable against a fake session.
type Submitter interface {
	Submit(ctx context.Context, req smppsession.SubmitRequest) (smppsession.SubmitResult, error)
}

// Config configures one Sender instance, one per configured service.
type Config struct {
	ServiceName    string
	Mode           config.SendMode
	Delay          time.Duration
	MaxAttempts    int
	WorkerPoolSize int
}

func (c *Config) applyDefaults() {
	if c.Delay <= 0 {
		c.Delay = DefaultSendDelay
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	switch c.Mode {
	case config.SendModeParallel, config.SendModeParallelSpaced, config.SendModeSequentialSpaced, config.SendModeSequentialSpacedAsync:
	default:
		log.Warn().Str("service", c.ServiceName).Str("mode", string(c.Mode)).Msg("Unrecognized send mode, falling back to secuencial_espaciado")
		c.Mode = config.SendModeSequentialSpaced
	}
}

// Sender dispatches one poll batch at a time under the configured strategy.
type Sender struct {
	cfg     Config
	store   store.MessageStore
	session Submitter
	stats   *latency.Stats

	sem        chan struct{}
	refCounter uint32

	wg sync.WaitGroup
}

// New constructs a Sender. stats is the service's LatencyStats instance,
// shared with WindowMonitor for timeout recording.
func New(cfg Config, st store.MessageStore, session Submitter, stats *latency.Stats) *Sender {
	cfg.applyDefaults()
	return &Sender{
		cfg:     cfg,
		store:   st,
		session: session,
		stats:   stats,
		sem:     make(chan struct{}, cfg.WorkerPoolSize),
	}
}

// Dispatch processes one claimed batch under the configured send mode.
// For every mode but secuencial_espaciado_async, Dispatch blocks until the
// whole batch has been submitted (not necessarily settled -- a retry may
// still be pending in MessageStore).
func (s *Sender) Dispatch(ctx context.Context, batch []message.SmsMessage) {
	if len(batch) == 0 {
		return
	}
	metrics.BatchSize.WithLabelValues(s.cfg.ServiceName).Observe(float64(len(batch)))

	switch s.cfg.Mode {
	case config.SendModeParallel:
		s.dispatchParallel(ctx, batch, 0)
	case config.SendModeParallelSpaced:
		s.dispatchParallel(ctx, batch, s.cfg.Delay)
	case config.SendModeSequentialSpacedAsync:
		s.dispatchSequentialAsync(ctx, batch)
	default: // SendModeSequentialSpaced, and the normalized fallback
		s.runSequential(ctx, batch)
	}
}

func (s *Sender) dispatchParallel(ctx context.Context, batch []message.SmsMessage, stagger time.Duration) {
	var batchWg sync.WaitGroup
	for i, msg := range batch {
		i, msg := i, msg
		batchWg.Add(1)
		s.wg.Add(1)
		go func() {
			defer batchWg.Done()
			defer s.wg.Done()

			if stagger > 0 {
				select {
				case <-time.After(stagger * time.Duration(i)):
				case <-ctx.Done():
					return
				}
			}

			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			s.safeSendOne(ctx, msg)
		}()
	}
	batchWg.Wait()
}

func (s *Sender) dispatchSequentialAsync(ctx context.Context, batch []message.SmsMessage) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSequential(ctx, batch)
	}()
}

func (s *Sender) runSequential(ctx context.Context, batch []message.SmsMessage) {
	for i, msg := range batch {
		s.safeSendOne(ctx, msg)
		if i == len(batch)-1 {
			break
		}
		select {
		case <-time.After(s.cfg.Delay):
		case <-ctx.Done():
			return
		}
	}
}

// safeSendOne recovers from a panic in sendOne and records it as an
// exception outcome, rather than letting one bad message kill a worker.
func (s *Sender) safeSendOne(ctx context.Context, msg message.SmsMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("service", s.cfg.ServiceName).Str("id", msg.ID).Msg("Send panicked")
			s.recordException(ctx, msg, fmt.Errorf("panic: %v", r), true)
		}
	}()
	s.sendOne(ctx, msg)
}

// sendOne segments msg.Text and submits each segment in order. Per
// spec.md §4.6 and DESIGN.md's partial-segment accounting decision, only
// segment 1 and the final segment touch MessageStore: a successful last
// segment writes StatusSent, while a failure on any segment after the
// first is recorded in metrics but left out of storage -- only a
// first-segment failure updates the row. An error on any segment aborts
// the remaining ones.
func (s *Sender) sendOne(ctx context.Context, msg message.SmsMessage) {
	segments := gsm7.Split(msg.Text, s.nextRefNum)

	for i, seg := range segments {
		start := time.Now()
		result, err := s.session.Submit(ctx, smppsession.SubmitRequest{
			Source:      msg.Source,
			Destination: msg.Destination,
			Payload:     seg.Payload,
			ESMClass:    seg.ESMClass,
		})
		s.stats.Record(time.Since(start))

		if err != nil {
			s.recordSubmitError(ctx, msg, err, i == 0)
			return
		}
		if result.StatusCode != 0 {
			s.recordNonZeroStatus(ctx, msg, result.StatusCode, i == 0)
			return
		}
		if i == len(segments)-1 {
			code := 0
			msgID := result.MessageID
			s.store.UpdateMessageStatus(ctx, msg.ID, message.StatusSent, &code, nil, &msgID, s.cfg.MaxAttempts)
			metrics.SendOutcomes.WithLabelValues(s.cfg.ServiceName, "sent").Inc()
		}
	}
}

// sessionUnavailableText is the exact response_text spec.md §4.6 step 4
// requires for an ErrNotBound submit failure.
const sessionUnavailableText = "Sesión no disponible"

func (s *Sender) recordSubmitError(ctx context.Context, msg message.SmsMessage, err error, firstSegment bool) {
	if errors.Is(err, smppsession.ErrNotBound) {
		code := codeSessionUnavailable
		text := sessionUnavailableText
		if firstSegment {
			s.store.UpdateMessageStatus(ctx, msg.ID, message.StatusPendingSend, &code, &text, nil, s.cfg.MaxAttempts)
		}
		metrics.SendOutcomes.WithLabelValues(s.cfg.ServiceName, "session_unavailable").Inc()
		return
	}
	s.recordException(ctx, msg, err, firstSegment)
}

func (s *Sender) recordException(ctx context.Context, msg message.SmsMessage, err error, firstSegment bool) {
	code := codeException
	text := message.Truncate(fmt.Sprintf("Excepción: %s", err.Error()), message.ResponseTextMaxLen)
	if firstSegment {
		s.store.UpdateMessageStatus(ctx, msg.ID, message.StatusPendingSend, &code, &text, nil, s.cfg.MaxAttempts)
	}
	metrics.SendOutcomes.WithLabelValues(s.cfg.ServiceName, "exception").Inc()
}

func (s *Sender) recordNonZeroStatus(ctx context.Context, msg message.SmsMessage, statusCode int, firstSegment bool) {
	code := statusCode
	text := fmt.Sprintf("smpp command_status %d", statusCode)

	if retryableStatusCodes[statusCode] {
		if firstSegment {
			s.store.UpdateMessageStatus(ctx, msg.ID, message.StatusPendingSend, &code, &text, nil, s.cfg.MaxAttempts)
		}
		metrics.SendOutcomes.WithLabelValues(s.cfg.ServiceName, "retry").Inc()
		return
	}
	if firstSegment {
		s.store.UpdateMessageStatus(ctx, msg.ID, message.StatusErrorProcessed, &code, &text, nil, s.cfg.MaxAttempts)
	}
	metrics.SendOutcomes.WithLabelValues(s.cfg.ServiceName, "error").Inc()
}

func (s *Sender) nextRefNum() byte {
	return byte(atomic.AddUint32(&s.refCounter, 1))
}

// Shutdown waits up to drain for in-flight sends to finish, then returns
// regardless, per spec.md §4.6's 5s-drain-then-force policy.
func (s *Sender) Shutdown(drain time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drain):
		log.Warn().Str("service", s.cfg.ServiceName).Dur("drain", drain).Msg("Sender shutdown drain timed out, forcing")
	}
}
