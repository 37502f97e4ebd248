package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dleffel/trainer-agent/internal/llm"
	"github.com/dleffel/trainer-agent/internal/store"
)

// fakeSender returns scripted errors in order, then succeeds. It
// records every message it was asked to send.
type fakeSender struct {
	errs  []error
	calls []store.Message
	reply string
}

func (f *fakeSender) Send(_ context.Context, msg store.Message) (string, error) {
	f.calls = append(f.calls, msg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if f.reply == "" {
		return "ok", nil
	}
	return f.reply, nil
}

type fakeConn struct{ ready bool }

func (f *fakeConn) IsReady() bool { return f.ready }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testManager(t *testing.T, s *store.Store, sender Sender, conn Connectivity) (*Manager, *[]time.Duration) {
	t.Helper()
	m := NewManager(s, sender, conn, RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
	}, discardLogger())

	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	m.jitterFrac = func() float64 { return 0 }
	return m, &slept
}

func userMessage(content string) store.Message {
	return store.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: "conv-1",
		Role:           "user",
		Content:        content,
	}
}

func netRefused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func TestManager_SendSuccess(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sender := &fakeSender{reply: "hello back"}
	m, slept := testManager(t, s, sender, &fakeConn{ready: true})

	msg := userMessage("hello")
	got, err := m.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "hello back" {
		t.Errorf("reply = %q, want %q", got, "hello back")
	}
	if len(sender.calls) != 1 {
		t.Errorf("sender called %d times, want 1", len(sender.calls))
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times on clean send, want 0", len(*slept))
	}

	stored, err := s.Message(msg.ID)
	if err != nil || stored == nil {
		t.Fatalf("load message: %v, %v", stored, err)
	}
	if stored.DeliveryState != store.StateSent {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateSent)
	}
}

func TestManager_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sender := &fakeSender{errs: []error{netRefused(), nil}}
	m, slept := testManager(t, s, sender, &fakeConn{ready: true})

	msg := userMessage("retry me")
	if _, err := m.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(sender.calls) != 2 {
		t.Errorf("sender called %d times, want 2", len(sender.calls))
	}
	if len(*slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(*slept))
	}
	if (*slept)[0] != 10*time.Millisecond {
		t.Errorf("first backoff = %v, want 10ms with zero jitter", (*slept)[0])
	}

	// Success clears the retry record: the next failure starts at the
	// base delay again.
	rec, err := s.Retry(msg.ID)
	if err != nil {
		t.Fatalf("load retry record: %v", err)
	}
	if rec != nil {
		t.Errorf("retry record survived success: %+v", rec)
	}

	stored, _ := s.Message(msg.ID)
	if stored.DeliveryState != store.StateSent {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateSent)
	}
}

func TestManager_ExhaustsAttemptCap(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sender := &fakeSender{errs: []error{netRefused(), netRefused(), netRefused(), nil}}
	m, slept := testManager(t, s, sender, &fakeConn{ready: true})

	msg := userMessage("doomed")
	_, err := m.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if want := "delivery failed after 3 attempts"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want substring %q", err, want)
	}

	// The cap is a hard stop: a fourth attempt is never made even
	// though the sender would have succeeded.
	if len(sender.calls) != 3 {
		t.Errorf("sender called %d times, want exactly 3", len(sender.calls))
	}
	// Backoff runs between attempts only, never after the last.
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}

	stored, _ := s.Message(msg.ID)
	if stored.DeliveryState != store.StateFailed {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateFailed)
	}
	if !stored.Retryable {
		t.Error("exhausted retryable failure should stay eligible for manual retry")
	}
}

func TestManager_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sender := &fakeSender{errs: []error{&llm.APIError{StatusCode: 401, Body: "bad key"}}}
	m, slept := testManager(t, s, sender, &fakeConn{ready: true})

	msg := userMessage("unauthorized")
	_, err := m.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(sender.calls) != 1 {
		t.Errorf("sender called %d times, want 1 (no retries for auth)", len(sender.calls))
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}

	stored, _ := s.Message(msg.ID)
	if stored.DeliveryState != store.StateFailed {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateFailed)
	}
	if stored.Retryable {
		t.Error("auth failure must not be marked retryable")
	}
}

func TestManager_OfflineQueues(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sender := &fakeSender{}
	m, _ := testManager(t, s, sender, &fakeConn{ready: false})

	msg := userMessage("queued")
	_, err := m.Send(context.Background(), msg)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
	if len(sender.calls) != 0 {
		t.Errorf("sender called %d times while offline, want 0", len(sender.calls))
	}

	stored, _ := s.Message(msg.ID)
	if stored.DeliveryState != store.StateOffline {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateOffline)
	}
	if m.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", m.QueueDepth())
	}
}

func TestManager_DrainOfflineFIFO(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sender := &fakeSender{}
	conn := &fakeConn{ready: false}
	m, _ := testManager(t, s, sender, conn)

	var msgs []store.Message
	for i := 0; i < 3; i++ {
		msg := userMessage(fmt.Sprintf("offline %d", i))
		msgs = append(msgs, msg)
		if _, err := m.Send(context.Background(), msg); !errors.Is(err, ErrOffline) {
			t.Fatalf("Send %d: %v, want ErrOffline", i, err)
		}
	}

	conn.ready = true
	m.DrainOffline(context.Background())

	if len(sender.calls) != 3 {
		t.Fatalf("sender called %d times, want 3", len(sender.calls))
	}
	for i, call := range sender.calls {
		if call.ID != msgs[i].ID {
			t.Errorf("drain position %d delivered %s, want %s", i, call.ID, msgs[i].ID)
		}
	}
	if m.QueueDepth() != 0 {
		t.Errorf("queue depth after drain = %d, want 0", m.QueueDepth())
	}
	for _, msg := range msgs {
		stored, _ := s.Message(msg.ID)
		if stored.DeliveryState != store.StateSent {
			t.Errorf("message %s state = %q, want %q", msg.ID, stored.DeliveryState, store.StateSent)
		}
	}
}

func TestManager_DrainStopsWhenConnectivityDrops(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	conn := &fakeConn{ready: false}

	// Connectivity drops right after the first queued message succeeds.
	sender := senderFunc(func(_ context.Context, _ store.Message) (string, error) {
		conn.ready = false
		return "ok", nil
	})
	m, _ := testManager(t, s, sender, conn)

	first := userMessage("first")
	second := userMessage("second")
	for _, msg := range []store.Message{first, second} {
		if _, err := m.Send(context.Background(), msg); !errors.Is(err, ErrOffline) {
			t.Fatalf("Send: %v, want ErrOffline", err)
		}
	}

	conn.ready = true
	m.DrainOffline(context.Background())

	// First delivered, second still queued for the next recovery.
	if m.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want 1", m.QueueDepth())
	}
	ids, _ := s.OfflineQueue()
	if len(ids) != 1 || ids[0] != second.ID {
		t.Errorf("remaining queue = %v, want [%s]", ids, second.ID)
	}
	stored, _ := s.Message(second.ID)
	if stored.DeliveryState != store.StateOffline {
		t.Errorf("second message state = %q, want %q", stored.DeliveryState, store.StateOffline)
	}
}

func TestManager_ManualRetry(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sender := &fakeSender{errs: []error{netRefused(), netRefused(), netRefused()}}
	m, _ := testManager(t, s, sender, &fakeConn{ready: true})

	msg := userMessage("fail then retry")
	if _, err := m.Send(context.Background(), msg); err == nil {
		t.Fatal("expected initial send to fail")
	}

	// Manual retry gets a fresh attempt budget; the sender succeeds now.
	got, err := m.ManualRetry(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if got != "ok" {
		t.Errorf("reply = %q, want %q", got, "ok")
	}
	stored, _ := s.Message(msg.ID)
	if stored.DeliveryState != store.StateSent {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateSent)
	}
}

func TestManager_ManualRetryEligibility(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	m, _ := testManager(t, s, &fakeSender{}, &fakeConn{ready: true})

	// Unknown message.
	if _, err := m.ManualRetry(context.Background(), "no-such-id"); err == nil {
		t.Error("expected error for unknown message")
	}

	// Sent message is not eligible.
	sent := userMessage("already sent")
	sent.DeliveryState = store.StateSent
	if err := s.AppendMessage(sent); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := m.ManualRetry(context.Background(), sent.ID); err == nil {
		t.Error("expected error for already-sent message")
	}

	// Failed but non-retryable is not eligible either.
	failed := userMessage("auth failed")
	failed.DeliveryState = store.StateFailed
	if err := s.AppendMessage(failed); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := m.ManualRetry(context.Background(), failed.ID); err == nil {
		t.Error("expected error for non-retryable failed message")
	}
}

func TestManager_RecoverInFlightAfterRestart(t *testing.T) {
	t.Parallel()

	// A crash during the backoff sleep leaves the message in retrying
	// state with its retry record persisted. Reopen the database and
	// build a fresh manager, as a restarted process would.
	path := filepath.Join(t.TempDir(), "restart.db")
	s1, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	base := time.Now()
	interrupted := userMessage("interrupted mid-backoff")
	interrupted.DeliveryState = store.StateRetrying
	if err := s1.AppendMessage(interrupted); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s1.UpsertRetry(store.RetryRecord{
		MessageID:      interrupted.ID,
		Attempt:        1,
		LastError:      "connection refused",
		NextEligibleAt: base.Add(40 * time.Millisecond),
	}); err != nil {
		t.Fatalf("upsert retry: %v", err)
	}

	// Settled messages must be left alone.
	settled := userMessage("already delivered")
	settled.DeliveryState = store.StateSent
	if err := s1.AppendMessage(settled); err != nil {
		t.Fatalf("append: %v", err)
	}
	s1.Close()

	s2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { s2.Close() })

	sender := &fakeSender{}
	m, slept := testManager(t, s2, sender, &fakeConn{ready: true})
	m.now = func() time.Time { return base }

	m.RecoverInFlight(context.Background())

	// The remainder of the eligibility window is waited out first.
	if len(*slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(*slept))
	}
	if (*slept)[0] != 40*time.Millisecond {
		t.Errorf("waited %v before re-attempting, want 40ms", (*slept)[0])
	}
	if len(sender.calls) != 1 {
		t.Fatalf("sender called %d times, want 1", len(sender.calls))
	}
	if sender.calls[0].ID != interrupted.ID {
		t.Errorf("recovered %s, want %s", sender.calls[0].ID, interrupted.ID)
	}

	stored, _ := s2.Message(interrupted.ID)
	if stored.DeliveryState != store.StateSent {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateSent)
	}
	rec, err := s2.Retry(interrupted.ID)
	if err != nil {
		t.Fatalf("load retry record: %v", err)
	}
	if rec != nil {
		t.Errorf("retry record survived recovery: %+v", rec)
	}
}

func TestManager_RecoverInFlightResumesAttemptBudget(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	msg := userMessage("still failing")
	msg.DeliveryState = store.StateRetrying
	if err := s.AppendMessage(msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.UpsertRetry(store.RetryRecord{
		MessageID:      msg.ID,
		Attempt:        1,
		LastError:      "connection refused",
		NextEligibleAt: time.Now().Add(-time.Second),
	}); err != nil {
		t.Fatalf("upsert retry: %v", err)
	}

	sender := &fakeSender{errs: []error{netRefused(), netRefused(), netRefused()}}
	m, slept := testManager(t, s, sender, &fakeConn{ready: true})

	m.RecoverInFlight(context.Background())

	// One attempt was spent before the crash: only attempts 2 and 3
	// run now, with the attempt-2 backoff between them.
	if len(sender.calls) != 2 {
		t.Errorf("sender called %d times, want 2", len(sender.calls))
	}
	if len(*slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(*slept))
	}
	if (*slept)[0] != 20*time.Millisecond {
		t.Errorf("backoff = %v, want 20ms", (*slept)[0])
	}

	stored, _ := s.Message(msg.ID)
	if stored.DeliveryState != store.StateFailed {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateFailed)
	}
	if !stored.Retryable {
		t.Error("exhausted recovery should stay eligible for manual retry")
	}
}

func TestManager_RecoverInFlightOfflineQueues(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	msg := userMessage("left in sending state")
	msg.DeliveryState = store.StateSending
	if err := s.AppendMessage(msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	sender := &fakeSender{}
	m, _ := testManager(t, s, sender, &fakeConn{ready: false})

	m.RecoverInFlight(context.Background())

	if len(sender.calls) != 0 {
		t.Errorf("sender called %d times while offline, want 0", len(sender.calls))
	}
	stored, _ := s.Message(msg.ID)
	if stored.DeliveryState != store.StateOffline {
		t.Errorf("delivery state = %q, want %q", stored.DeliveryState, store.StateOffline)
	}
	if m.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", m.QueueDepth())
	}
}

func TestManager_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	sender := &fakeSender{errs: []error{netRefused(), netRefused(), netRefused()}}
	m, _ := testManager(t, s, sender, &fakeConn{ready: true})

	ctx, cancel := context.WithCancel(context.Background())
	m.sleep = func(_ context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	msg := userMessage("cancelled")
	_, err := m.Send(ctx, msg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// Cancellation lands between attempts: the second attempt is never
	// issued.
	if len(sender.calls) != 1 {
		t.Errorf("sender called %d times, want 1", len(sender.calls))
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}

	// Zero jitter: pure exponential, monotonically non-decreasing up to
	// the cap.
	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Delay(attempt, 0)
		if d < prev {
			t.Errorf("Delay(%d) = %v < Delay(%d) = %v, schedule not monotonic", attempt, d, attempt-1, prev)
		}
		if d > p.MaxDelay {
			t.Errorf("Delay(%d) = %v exceeds cap %v", attempt, d, p.MaxDelay)
		}
		prev = d
	}

	if d := p.Delay(1, 0); d != time.Second {
		t.Errorf("Delay(1) = %v, want 1s", d)
	}
	if d := p.Delay(2, 0); d != 2*time.Second {
		t.Errorf("Delay(2) = %v, want 2s", d)
	}
	if d := p.Delay(10, 0); d != 30*time.Second {
		t.Errorf("Delay(10) = %v, want capped at 30s", d)
	}

	// Full jitter adds exactly 10% of the exponential term.
	if d := p.Delay(1, 1.0); d != 1100*time.Millisecond {
		t.Errorf("Delay(1, full jitter) = %v, want 1.1s", d)
	}
}

// senderFunc adapts a function to the Sender interface.
type senderFunc func(ctx context.Context, msg store.Message) (string, error)

func (f senderFunc) Send(ctx context.Context, msg store.Message) (string, error) {
	return f(ctx, msg)
}
