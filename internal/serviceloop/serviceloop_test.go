package serviceloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowcatalyst/risk-sms/internal/message"
)

// fakeStore is a minimal MessageStore double; only the methods ServiceLoop
// actually calls need real behavior.
type fakeStore struct {
	mu       sync.Mutex
	pending  []message.SmsMessage
	claimed  []string
	claimAll bool // when true, BulkClaim claims every id offered
}

func (f *fakeStore) LoadPendingMessages(ctx context.Context, source string, carrier, classification *string, limit int) []message.SmsMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil // one-shot: simulates the batch being drained once claimed
	return out
}

func (f *fakeStore) BulkClaim(ctx context.Context, ids []string, newState message.Status) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.claimAll {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	f.claimed = append(f.claimed, ids...)
	return out
}

func (f *fakeStore) SaveReceivedMessage(ctx context.Context, origin, destination, text string) *string {
	return nil
}
func (f *fakeStore) UpdateMessageStatus(ctx context.Context, id string, newState message.Status, responseCode *int, responseText *string, externalID *string, maxAttempts int) {
}
func (f *fakeStore) ResetStuckInProgress(ctx context.Context) int64 { return 0 }
func (f *fakeStore) Close()                                         {}

type fakeDispatcher struct {
	mu       sync.Mutex
	batches  [][]message.SmsMessage
	dispatch chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{dispatch: make(chan struct{}, 16)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, batch []message.SmsMessage) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	f.dispatch <- struct{}{}
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestServiceLoopDispatchesClaimedBatch(t *testing.T) {
	st := &fakeStore{
		pending:  []message.SmsMessage{{ID: "1"}, {ID: "2"}},
		claimAll: true,
	}
	disp := newFakeDispatcher()
	l := New(Config{ServiceName: "svc", PollInterval: 5 * time.Millisecond}, st, disp)

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-disp.dispatch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a dispatch")
	}

	if disp.count() != 1 {
		t.Fatalf("dispatch count = %d, want 1", disp.count())
	}
	if len(disp.batches[0]) != 2 {
		t.Errorf("batch size = %d, want 2", len(disp.batches[0]))
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestServiceLoopSkipsEmptyBatches(t *testing.T) {
	st := &fakeStore{claimAll: true} // no pending messages ever
	disp := newFakeDispatcher()
	l := New(Config{ServiceName: "svc", PollInterval: 5 * time.Millisecond}, st, disp)

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if disp.count() != 0 {
		t.Errorf("dispatch count = %d, want 0", disp.count())
	}
}

func TestServiceLoopDropsRowsNotClaimed(t *testing.T) {
	st := &fakeStore{
		pending:  []message.SmsMessage{{ID: "1"}},
		claimAll: false, // simulates every row losing the FOR UPDATE SKIP LOCKED race
	}
	disp := newFakeDispatcher()
	l := New(Config{ServiceName: "svc", PollInterval: 5 * time.Millisecond}, st, disp)

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if disp.count() != 0 {
		t.Errorf("dispatch count = %d, want 0 when nothing was claimed", disp.count())
	}
}

func TestServiceLoopIsRunningReflectsStartStop(t *testing.T) {
	st := &fakeStore{}
	disp := newFakeDispatcher()
	l := New(Config{ServiceName: "svc", PollInterval: time.Hour}, st, disp)

	if l.IsRunning() {
		t.Error("IsRunning() = true before Start")
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !l.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if l.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestServiceLoopStopIsIdempotent(t *testing.T) {
	st := &fakeStore{}
	disp := newFakeDispatcher()
	l := New(Config{ServiceName: "svc", PollInterval: time.Hour}, st, disp)

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop on a never-started loop: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
