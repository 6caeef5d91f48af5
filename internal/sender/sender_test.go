package sender

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowcatalyst/risk-sms/internal/config"
	"github.com/flowcatalyst/risk-sms/internal/latency"
	"github.com/flowcatalyst/risk-sms/internal/message"
	"github.com/flowcatalyst/risk-sms/internal/smppsession"
)

// fakeSubmitter lets each test control submit outcomes by destination.
type fakeSubmitter struct {
	mu        sync.Mutex
	byDest    map[string]func(call int) (smppsession.SubmitResult, error)
	callCount map[string]int
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{byDest: make(map[string]func(call int) (smppsession.SubmitResult, error)), callCount: make(map[string]int)}
}

func (f *fakeSubmitter) on(dest string, fn func(call int) (smppsession.SubmitResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byDest[dest] = fn
}

func (f *fakeSubmitter) Submit(ctx context.Context, req smppsession.SubmitRequest) (smppsession.SubmitResult, error) {
	f.mu.Lock()
	fn := f.byDest[req.Destination]
	f.callCount[req.Destination]++
	call := f.callCount[req.Destination]
	f.mu.Unlock()

	if fn == nil {
		return smppsession.SubmitResult{StatusCode: 0, MessageID: "default-id"}, nil
	}
	return fn(call)
}

// fakeStore records every UpdateMessageStatus call for assertions.
type fakeStore struct {
	mu      sync.Mutex
	updates []update
}

type update struct {
	id           string
	newState     message.Status
	responseCode *int
	responseText *string
}

func (f *fakeStore) LoadPendingMessages(ctx context.Context, source string, carrier, classification *string, limit int) []message.SmsMessage {
	return nil
}
func (f *fakeStore) BulkClaim(ctx context.Context, ids []string, newState message.Status) []string {
	return nil
}
func (f *fakeStore) SaveReceivedMessage(ctx context.Context, origin, destination, text string) *string {
	return nil
}
func (f *fakeStore) ResetStuckInProgress(ctx context.Context) int64 { return 0 }
func (f *fakeStore) Close()                                         {}

func (f *fakeStore) UpdateMessageStatus(ctx context.Context, id string, newState message.Status, responseCode *int, responseText *string, externalID *string, maxAttempts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update{id: id, newState: newState, responseCode: responseCode, responseText: responseText})
}

func (f *fakeStore) updateFor(id string) (update, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.updates {
		if u.id == id {
			return u, true
		}
	}
	return update{}, false
}

func TestSendOneMarksSentOnSuccess(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	s := New(Config{ServiceName: "svc", Mode: config.SendModeSequentialSpaced, Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	msg := message.SmsMessage{ID: "1", Source: "1000", Destination: "5511999999999", Text: "hello"}
	s.Dispatch(context.Background(), []message.SmsMessage{msg})

	got, ok := st.updateFor("1")
	if !ok {
		t.Fatal("expected an update for message 1")
	}
	if got.newState != message.StatusSent {
		t.Errorf("newState = %v, want %v", got.newState, message.StatusSent)
	}
}

func TestSendOneRetriesOnRetryableStatus(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	sub.on("dest-retry", func(call int) (smppsession.SubmitResult, error) {
		return smppsession.SubmitResult{StatusCode: 8}, nil // ESME_RSYSERR, retryable
	})
	s := New(Config{ServiceName: "svc", Mode: config.SendModeSequentialSpaced, Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	msg := message.SmsMessage{ID: "2", Source: "1000", Destination: "dest-retry", Text: "hi"}
	s.Dispatch(context.Background(), []message.SmsMessage{msg})

	got, ok := st.updateFor("2")
	if !ok {
		t.Fatal("expected an update for message 2")
	}
	if got.newState != message.StatusPendingSend {
		t.Errorf("newState = %v, want %v (retryable)", got.newState, message.StatusPendingSend)
	}
}

func TestSendOneFailsPermanentlyOnNonRetryableStatus(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	sub.on("dest-fail", func(call int) (smppsession.SubmitResult, error) {
		return smppsession.SubmitResult{StatusCode: 11}, nil // ESME_RINVDSTADR, not in the retryable set
	})
	s := New(Config{ServiceName: "svc", Mode: config.SendModeSequentialSpaced, Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	msg := message.SmsMessage{ID: "3", Source: "1000", Destination: "dest-fail", Text: "hi"}
	s.Dispatch(context.Background(), []message.SmsMessage{msg})

	got, ok := st.updateFor("3")
	if !ok {
		t.Fatal("expected an update for message 3")
	}
	if got.newState != message.StatusErrorProcessed {
		t.Errorf("newState = %v, want %v", got.newState, message.StatusErrorProcessed)
	}
}

func TestSendOneHandlesSessionUnavailable(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	sub.on("dest-down", func(call int) (smppsession.SubmitResult, error) {
		return smppsession.SubmitResult{}, smppsession.ErrNotBound
	})
	s := New(Config{ServiceName: "svc", Mode: config.SendModeSequentialSpaced, Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	msg := message.SmsMessage{ID: "4", Source: "1000", Destination: "dest-down", Text: "hi"}
	s.Dispatch(context.Background(), []message.SmsMessage{msg})

	got, ok := st.updateFor("4")
	if !ok {
		t.Fatal("expected an update for message 4")
	}
	if got.newState != message.StatusPendingSend {
		t.Errorf("newState = %v, want %v", got.newState, message.StatusPendingSend)
	}
	if got.responseCode == nil || *got.responseCode != codeSessionUnavailable {
		t.Errorf("responseCode = %v, want %d", got.responseCode, codeSessionUnavailable)
	}
	if got.responseText == nil || *got.responseText != "Sesión no disponible" {
		t.Errorf("responseText = %v, want %q", got.responseText, "Sesión no disponible")
	}
}

func TestSendOneExceptionTextIsPrefixed(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	sub.on("dest-panic-text", func(call int) (smppsession.SubmitResult, error) {
		panic("boom")
	})
	s := New(Config{ServiceName: "svc", Mode: config.SendModeSequentialSpaced, Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	msg := message.SmsMessage{ID: "9", Source: "1000", Destination: "dest-panic-text", Text: "hi"}
	s.Dispatch(context.Background(), []message.SmsMessage{msg})

	got, ok := st.updateFor("9")
	if !ok {
		t.Fatal("expected an update for message 9")
	}
	if got.responseText == nil || !strings.HasPrefix(*got.responseText, "Excepción: ") {
		t.Errorf("responseText = %v, want prefix %q", got.responseText, "Excepción: ")
	}
}

func TestSendOneLaterSegmentFailureDoesNotUpdateStore(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	callCount := 0
	sub.on("dest-partial", func(call int) (smppsession.SubmitResult, error) {
		callCount++
		if call == 1 {
			return smppsession.SubmitResult{StatusCode: 0, MessageID: "seg1-id"}, nil
		}
		return smppsession.SubmitResult{StatusCode: 11}, nil // non-retryable, on segment 2+
	})
	s := New(Config{ServiceName: "svc", Mode: config.SendModeSequentialSpaced, Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	// Long enough text to split into at least two segments.
	msg := message.SmsMessage{ID: "10", Source: "1000", Destination: "dest-partial", Text: strings.Repeat("y", 400)}
	s.Dispatch(context.Background(), []message.SmsMessage{msg})

	if callCount < 2 {
		t.Fatalf("expected at least 2 segments submitted, got %d", callCount)
	}

	if _, ok := st.updateFor("10"); ok {
		t.Error("expected no UpdateMessageStatus call when only a non-first segment fails")
	}
}

func TestSendOneOnlyLastSegmentUpdatesStore(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	s := New(Config{ServiceName: "svc", Mode: config.SendModeSequentialSpaced, Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	msg := message.SmsMessage{ID: "5", Source: "1000", Destination: "dest-long", Text: strings.Repeat("x", 400)}
	s.Dispatch(context.Background(), []message.SmsMessage{msg})

	st.mu.Lock()
	count := 0
	for _, u := range st.updates {
		if u.id == "5" {
			count++
		}
	}
	st.mu.Unlock()

	if count != 1 {
		t.Errorf("expected exactly one UpdateMessageStatus call for a multi-segment message, got %d", count)
	}
}

func TestFallbackModeNormalizesUnrecognizedMode(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	s := New(Config{ServiceName: "svc", Mode: "bogus_mode", Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	if s.cfg.Mode != config.SendModeSequentialSpaced {
		t.Errorf("Mode = %q, want fallback to %q", s.cfg.Mode, config.SendModeSequentialSpaced)
	}
}

func TestSendOnePanicRecoversAsException(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	sub.on("dest-panic", func(call int) (smppsession.SubmitResult, error) {
		panic("simulated submit panic")
	})
	s := New(Config{ServiceName: "svc", Mode: config.SendModeSequentialSpaced, Delay: time.Millisecond, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	msg := message.SmsMessage{ID: "6", Source: "1000", Destination: "dest-panic", Text: "hi"}
	s.Dispatch(context.Background(), []message.SmsMessage{msg})

	got, ok := st.updateFor("6")
	if !ok {
		t.Fatal("expected an update for message 6 despite the panic")
	}
	if got.responseCode == nil || *got.responseCode != codeException {
		t.Errorf("responseCode = %v, want %d", got.responseCode, codeException)
	}
}

func TestShutdownReturnsAfterDrain(t *testing.T) {
	st := &fakeStore{}
	sub := newFakeSubmitter()
	s := New(Config{ServiceName: "svc", Mode: config.SendModeParallel, MaxAttempts: 5}, st, sub, latency.NewStats("svc", 1000))

	msgs := []message.SmsMessage{
		{ID: "7", Source: "1000", Destination: "a", Text: "hi"},
		{ID: "8", Source: "1000", Destination: "b", Text: "hi"},
	}
	s.Dispatch(context.Background(), msgs)

	done := make(chan struct{})
	go func() {
		s.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return in time")
	}
}
