// Package smppsession wraps github.com/fiorix/go-smpp/smpp as the gateway's
// "session object": the abstract bind/submit/rebind surface described in
// spec.md §4.4, with an in-flight window WindowMonitor can scan and
// cancel from outside the library's own blocking Submit call.
package smppsession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdutext"
)

// ErrSlotCancelled is returned by Submit when WindowMonitor cancels the
// slot before the underlying SMPP response arrives.
var ErrSlotCancelled = errors.New("smppsession: in-flight slot cancelled")

// ErrNotBound is returned by Submit when the session is not currently bound.
var ErrNotBound = errors.New("smppsession: session not bound")

// SubmitRequest is everything Session.Submit needs to send one segment.
// Sender builds one of these per gsm7.Segment.
type SubmitRequest struct {
	Source      string
	Destination string
	Payload     []byte
	ESMClass    byte
}

// SubmitResult is the outcome of one submit_sm round trip.
type SubmitResult struct {
	StatusCode int    // SMPP command_status; 0 means accepted
	MessageID  string // smsc message_id, set only when StatusCode == 0
}

// WindowEntry describes one outstanding request, as seen by WindowMonitor.
type WindowEntry struct {
	Seq      uint32
	OfferedAt time.Time
}

// Session is the abstract bound connection Sender and WindowMonitor depend
// on. fiorixSession is the only production implementation; tests use a
// fake.
type Session interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Bound() bool
	WindowSnapshot() []WindowEntry
	CancelSlot(seq uint32) bool
	Unbind(wait time.Duration)
	Destroy()
}

type slot struct {
	offeredAt time.Time
	cancel    context.CancelFunc
}

// fiorixSession adapts *smpp.Transceiver to Session, layering a local
// sequence-keyed window map on top since the vendored client does not
// expose its own inflight table for external inspection.
type fiorixSession struct {
	tx *smpp.Transceiver

	seq      uint32
	inflight sync.Map // map[uint32]*slot

	mu    sync.Mutex
	bound bool
}

// dialSession binds a new Transceiver using cfg, blocking until the first
// ConnStatus arrives (connected or an error). It never retries; bounded
// rebind retry is SessionManager's responsibility.
func dialSession(cfg DialConfig, onInbound smpp.HandlerFunc) (*fiorixSession, error) {
	tx := &smpp.Transceiver{
		Addr:               cfg.Addr,
		User:               cfg.SystemID,
		Passwd:             cfg.Password,
		EnquireLink:        cfg.EnquireLinkInterval,
		EnquireLinkTimeout: cfg.EnquireLinkTimeout,
		RespTimeout:        cfg.RespTimeout,
		WindowSize:         cfg.WindowSize,
		Handler:            onInbound,
	}

	s := &fiorixSession{tx: tx}

	status := tx.Bind()
	select {
	case cs := <-status:
		if cs.Status() != smpp.Connected {
			return nil, cs.Error()
		}
	case <-time.After(cfg.BindTimeout):
		tx.Close()
		return nil, errors.New("smppsession: bind timed out")
	}

	s.mu.Lock()
	s.bound = true
	s.mu.Unlock()

	go s.watchConnStatus(status)
	return s, nil
}

func (s *fiorixSession) watchConnStatus(status <-chan smpp.ConnStatus) {
	for cs := range status {
		s.mu.Lock()
		s.bound = cs.Status() == smpp.Connected
		s.mu.Unlock()
	}
}

func (s *fiorixSession) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *fiorixSession) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if !s.Bound() {
		return SubmitResult{}, ErrNotBound
	}

	seq := atomic.AddUint32(&s.seq, 1)
	slotCtx, cancel := context.WithCancel(ctx)
	s.inflight.Store(seq, &slot{offeredAt: time.Now(), cancel: cancel})
	defer func() {
		s.inflight.Delete(seq)
		cancel()
	}()

	sm := &smpp.ShortMessage{
		Src:           req.Source,
		Dst:           req.Destination,
		Text:          pdutext.Raw(req.Payload),
		ESMClass:      req.ESMClass,
		SourceAddrTON: 0x01,
		SourceAddrNPI: 0x01,
		DestAddrTON:   0x01,
		DestAddrNPI:   0x01,
	}

	type submitResult struct {
		sm  *smpp.ShortMessage
		err error
	}
	resultCh := make(chan submitResult, 1)
	go func() {
		respSm, err := s.tx.Submit(sm)
		resultCh <- submitResult{respSm, err}
	}()

	select {
	case r := <-resultCh:
		return translateSubmitResult(r.sm, r.err)
	case <-slotCtx.Done():
		return SubmitResult{}, ErrSlotCancelled
	}
}

// translateSubmitResult maps go-smpp's (sm, error) convention to
// SubmitResult: a non-zero pdu.Status is a normal outcome (carried in
// StatusCode), not a Go error the caller should branch on. Only a
// transport-level error (connection lost, timeout, malformed response) is
// surfaced as a Go error.
func translateSubmitResult(sm *smpp.ShortMessage, err error) (SubmitResult, error) {
	if status, ok := err.(pdu.Status); ok {
		return SubmitResult{StatusCode: int(status)}, nil
	}
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{StatusCode: 0, MessageID: sm.RespID()}, nil
}

func (s *fiorixSession) WindowSnapshot() []WindowEntry {
	var out []WindowEntry
	s.inflight.Range(func(key, value any) bool {
		seq := key.(uint32)
		sl := value.(*slot)
		out = append(out, WindowEntry{Seq: seq, OfferedAt: sl.offeredAt})
		return true
	})
	return out
}

func (s *fiorixSession) CancelSlot(seq uint32) bool {
	v, ok := s.inflight.Load(seq)
	if !ok {
		return false
	}
	v.(*slot).cancel()
	return true
}

func (s *fiorixSession) Unbind(wait time.Duration) {
	done := make(chan struct{})
	go func() {
		s.tx.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
	}
	s.mu.Lock()
	s.bound = false
	s.mu.Unlock()
}

func (s *fiorixSession) Destroy() {
	s.tx.Close()
}
