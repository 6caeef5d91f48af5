// Package serviceloop implements ServiceLoop: the per-service claim-batch,
// dispatch, sleep cycle, per spec.md §4.7.
//
// The start/stop control surface is grounded on
// OggyB-insider-assessment/internal/scheduler/scheduler.go's control-loop
// pattern (a dedicated goroutine owns all mutable state and answers
// Start/Stop/IsRunning over a channel instead of locking shared fields).
package serviceloop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/risk-sms/internal/message"
	"github.com/flowcatalyst/risk-sms/internal/store"
)

// Dispatcher is the subset of Sender ServiceLoop depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch []message.SmsMessage)
}

// Config configures one ServiceLoop, one per entry in config.ServiceConfigList.
type Config struct {
	ServiceName    string
	Carrier        *string
	Classification *string
	BatchLimit     int
	PollInterval   time.Duration
}

const controlTimeout = 2 * time.Second

type controlOp int

const (
	opStart controlOp = iota
	opStop
	opStatus
)

type controlMsg struct {
	op   controlOp
	resp chan bool
}

// ServiceLoop repeatedly claims a batch of PENDING_SEND messages for one
// service and hands it to Dispatcher, sleeping PollInterval between polls.
type ServiceLoop struct {
	cfg        Config
	store      store.MessageStore
	dispatcher Dispatcher
	ctrl       chan controlMsg

	batchCounter uint64 // monotonic, wraps; used only for log correlation
}

// New constructs a ServiceLoop and starts its control goroutine. Start must
// still be called to begin polling.
func New(cfg Config, st store.MessageStore, dispatcher Dispatcher) *ServiceLoop {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = store.DefaultBatchLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}

	l := &ServiceLoop{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		ctrl:       make(chan controlMsg),
	}
	go l.loop()
	return l
}

// Start begins polling. It blocks until the control loop acknowledges.
func (l *ServiceLoop) Start() error {
	return l.send(opStart)
}

// Stop halts polling after the in-flight dispatch (if any) finishes.
func (l *ServiceLoop) Stop() error {
	return l.send(opStop)
}

// IsRunning reports whether the loop is currently accepting poll ticks.
func (l *ServiceLoop) IsRunning() bool {
	resp := make(chan bool)
	l.ctrl <- controlMsg{op: opStatus, resp: resp}
	return <-resp
}

func (l *ServiceLoop) send(op controlOp) error {
	resp := make(chan bool)
	msg := controlMsg{op: op, resp: resp}

	select {
	case l.ctrl <- msg:
	case <-time.After(controlTimeout):
		return fmt.Errorf("serviceloop[%s]: control loop not responding", l.cfg.ServiceName)
	}

	select {
	case <-resp:
		return nil
	case <-time.After(controlTimeout):
		return fmt.Errorf("serviceloop[%s]: acknowledgement timeout", l.cfg.ServiceName)
	}
}

func (l *ServiceLoop) loop() {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	running := false
	inBatch := false
	var pendingStop chan bool

	for {
		select {
		case msg := <-l.ctrl:
			switch msg.op {
			case opStart:
				if !running {
					log.Info().Str("service", l.cfg.ServiceName).Dur("interval", l.cfg.PollInterval).Msg("ServiceLoop started")
				}
				running = true
				msg.resp <- true

			case opStop:
				if !running && !inBatch {
					msg.resp <- true
					continue
				}
				running = false
				if inBatch {
					pendingStop = msg.resp
				} else {
					msg.resp <- true
					log.Info().Str("service", l.cfg.ServiceName).Msg("ServiceLoop stopped")
				}

			case opStatus:
				msg.resp <- running
			}

		case <-ticker.C:
			if !running || inBatch {
				continue
			}
			inBatch = true
			l.runOnePoll()
			inBatch = false

			if pendingStop != nil {
				pendingStop <- true
				pendingStop = nil
				log.Info().Str("service", l.cfg.ServiceName).Msg("ServiceLoop stopped")
			}
		}
	}
}

// batchCounterWrap is the point at which runOnePoll's log-correlation
// counter wraps back to 1, per spec.md §4.7.5.
const batchCounterWrap = 100

// runOnePoll claims one batch and dispatches it. batchCounter wraps back
// to 1 at batchCounterWrap; it exists purely so log lines can correlate a
// poll's claim with its dispatch.
func (l *ServiceLoop) runOnePoll() {
	if l.batchCounter >= batchCounterWrap {
		l.batchCounter = 0
	}
	l.batchCounter++
	batchID := l.batchCounter

	ctx := context.Background()
	pending := l.store.LoadPendingMessages(ctx, l.cfg.ServiceName, l.cfg.Carrier, l.cfg.Classification, l.cfg.BatchLimit)
	if len(pending) == 0 {
		return
	}

	ids := make([]string, len(pending))
	for i, m := range pending {
		ids[i] = m.ID
	}
	claimedIDs := l.store.BulkClaim(ctx, ids, message.StatusInProgress)
	if len(claimedIDs) == 0 {
		return
	}

	claimed := make(map[string]bool, len(claimedIDs))
	for _, id := range claimedIDs {
		claimed[id] = true
	}

	batch := make([]message.SmsMessage, 0, len(claimedIDs))
	for _, m := range pending {
		if claimed[m.ID] {
			batch = append(batch, m)
		}
	}

	log.Debug().Str("service", l.cfg.ServiceName).Uint64("batch", batchID).Int("claimed", len(batch)).Msg("Claimed batch for dispatch")
	l.dispatcher.Dispatch(ctx, batch)
}
