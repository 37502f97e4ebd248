package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dleffel/trainer-agent/internal/store"
)

// ErrOffline is returned when a send is queued instead of attempted
// because connectivity is down. The message is not lost: it sits in
// the offline queue until the watcher reports recovery.
var ErrOffline = errors.New("no connectivity, message queued for later delivery")

// Sender runs one delivery attempt end to end and returns the reply
// content. In production this is the turn orchestrator.
type Sender interface {
	Send(ctx context.Context, msg store.Message) (string, error)
}

// Connectivity is the signal consulted before any network attempt.
// Satisfied by *connwatch.Watcher.
type Connectivity interface {
	IsReady() bool
}

// RetryPolicy controls backoff between delivery attempts.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget per send (default: 3).
	MaxAttempts int

	// BaseDelay seeds the exponential schedule (default: 1s).
	BaseDelay time.Duration

	// MaxDelay caps the computed delay (default: 30s).
	MaxDelay time.Duration

	// Multiplier grows the delay each attempt (default: 2.0).
	Multiplier float64
}

// DefaultRetryPolicy returns the production schedule: 1s, 2s (plus
// jitter), three attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay computes the backoff before attempt+1 given the 1-based
// attempt that just failed: min(maxDelay, base*multiplier^(attempt-1)
// plus a 0-10% jitter of the exponential term). jitterFrac must be in
// [0, 1) and is scaled to the 10% band.
func (p RetryPolicy) Delay(attempt int, jitterFrac float64) time.Duration {
	exp := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		exp *= p.Multiplier
	}
	d := time.Duration(exp + exp*0.1*jitterFrac)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Manager owns the send path: delivery state, retry records, and the
// offline queue. It is the single writer for all three.
type Manager struct {
	store  *store.Store
	sender Sender
	conn   Connectivity
	policy RetryPolicy
	logger *slog.Logger

	// mu serializes sends across trigger points: a connectivity
	// recovery drain and a manual retry must not race a fresh send.
	mu sync.Mutex

	// Injected for tests.
	sleep      func(ctx context.Context, d time.Duration) error
	jitterFrac func() float64
	now        func() time.Time
}

// NewManager creates a delivery manager.
func NewManager(s *store.Store, sender Sender, conn Connectivity, policy RetryPolicy, logger *slog.Logger) *Manager {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      s,
		sender:     sender,
		conn:       conn,
		policy:     policy,
		logger:     logger,
		sleep:      sleepCtx,
		jitterFrac: rand.Float64,
		now:        time.Now,
	}
}

// Send persists msg and attempts delivery. Offline sends return
// [ErrOffline] after queueing. Retryable failures are retried up to
// the attempt cap; the terminal delivery state always lands in the
// store before an error is returned.
func (m *Manager) Send(ctx context.Context, msg store.Message) (string, error) {
	msg.DeliveryState = store.StateSending
	if err := m.store.AppendMessage(msg); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliver(ctx, msg)
}

// ManualRetry re-attempts a message that ended in a retryable failed
// state, with a fresh attempt budget.
func (m *Manager) ManualRetry(ctx context.Context, messageID string) (string, error) {
	msg, err := m.store.Message(messageID)
	if err != nil {
		return "", fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return "", fmt.Errorf("message %s not found", messageID)
	}
	if msg.DeliveryState != store.StateFailed || !msg.Retryable {
		return "", fmt.Errorf("message %s is not eligible for manual retry (state %s)", messageID, msg.DeliveryState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliver(ctx, *msg)
}

// DrainOffline re-attempts every queued message in strict FIFO order.
// Draining stops early if connectivity drops again; whatever remains
// stays queued. Wire this to the connectivity watcher's OnReady.
func (m *Manager) DrainOffline(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.store.OfflineQueue()
	if err != nil {
		m.logger.Error("read offline queue", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	m.logger.Info("draining offline queue", "queued", len(ids))

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		msg, err := m.store.Message(id)
		if err != nil || msg == nil {
			m.logger.Warn("queued message missing, dropping from queue", "message_id", id, "error", err)
			_ = m.store.RemoveOffline(id)
			continue
		}

		if _, err := m.deliver(ctx, *msg); err != nil {
			if errors.Is(err, ErrOffline) {
				// Connectivity dropped again; the remainder keeps its
				// FIFO positions for the next recovery.
				m.logger.Info("connectivity lost mid-drain, leaving remainder queued")
				return
			}
			if ctx.Err() != nil {
				return
			}
			// Terminal failure: state is recorded, manual retry may
			// still apply. Remove from the queue and keep draining.
			m.logger.Warn("queued message failed terminally", "message_id", id, "error", err)
		}
		_ = m.store.RemoveOffline(id)
	}
}

// RecoverInFlight re-enters messages a previous process left
// mid-delivery: anything still in sending or retrying state. A
// retrying message waits out the remainder of its persisted
// next-eligible time, then resumes with the attempt budget its retry
// record says is left. Messages recovered while offline land in the
// offline queue like any other send. Call once at startup, before
// accepting new sends.
func (m *Manager) RecoverInFlight(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, err := m.store.InFlight()
	if err != nil {
		m.logger.Error("read in-flight messages", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	m.logger.Info("recovering interrupted deliveries", "count", len(msgs))

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}

		start := 1
		rec, err := m.store.Retry(msg.ID)
		if err != nil {
			m.logger.Warn("load retry record", "message_id", msg.ID, "error", err)
		}
		if rec != nil {
			start = rec.Attempt + 1
			if start > m.policy.MaxAttempts {
				start = m.policy.MaxAttempts
			}
			if wait := rec.NextEligibleAt.Sub(m.now()); wait > 0 {
				if serr := m.sleep(ctx, wait); serr != nil {
					return
				}
			}
		}

		if _, err := m.deliverFrom(ctx, msg, start); err != nil {
			if errors.Is(err, ErrOffline) {
				// Queued; the connectivity watcher's drain picks it up.
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("recovered message failed terminally", "message_id", msg.ID, "error", err)
		}
	}
}

// QueueDepth returns the current offline queue length, for status
// reporting.
func (m *Manager) QueueDepth() int {
	ids, err := m.store.OfflineQueue()
	if err != nil {
		return 0
	}
	return len(ids)
}

// deliver runs a full-budget delivery. Caller holds m.mu.
func (m *Manager) deliver(ctx context.Context, msg store.Message) (string, error) {
	return m.deliverFrom(ctx, msg, 1)
}

// deliverFrom checks connectivity, queueing the message when offline,
// then runs the online attempt loop beginning at startAttempt.
// Caller holds m.mu.
func (m *Manager) deliverFrom(ctx context.Context, msg store.Message, startAttempt int) (string, error) {
	if !m.conn.IsReady() {
		if err := m.store.EnqueueOffline(msg.ID); err != nil {
			return "", fmt.Errorf("enqueue offline: %w", err)
		}
		if err := m.store.SetDeliveryState(msg.ID, store.StateOffline, false); err != nil {
			return "", fmt.Errorf("mark offline: %w", err)
		}
		m.logger.Info("offline, message queued", "message_id", msg.ID)
		return "", ErrOffline
	}
	// Re-attempts arrive here in offline or failed state; put the
	// message back in flight before the attempt loop.
	if err := m.store.SetDeliveryState(msg.ID, store.StateSending, false); err != nil {
		return "", fmt.Errorf("mark sending: %w", err)
	}
	return m.deliverOnline(ctx, msg, startAttempt)
}

// deliverOnline runs the classified retry loop for one message.
// Caller holds m.mu.
func (m *Manager) deliverOnline(ctx context.Context, msg store.Message, startAttempt int) (string, error) {
	var lastErr error

	for attempt := startAttempt; attempt <= m.policy.MaxAttempts; attempt++ {
		content, err := m.sender.Send(ctx, msg)
		if err == nil {
			if derr := m.store.DeleteRetry(msg.ID); derr != nil {
				m.logger.Warn("clear retry record", "message_id", msg.ID, "error", derr)
			}
			if serr := m.store.SetDeliveryState(msg.ID, store.StateSent, false); serr != nil {
				return "", fmt.Errorf("mark sent: %w", serr)
			}
			if attempt > 1 {
				m.logger.Info("delivery succeeded after retry",
					"message_id", msg.ID,
					"attempts", attempt,
				)
			}
			return content, nil
		}

		lastErr = err
		class := Classify(err)

		m.logger.Warn("delivery attempt failed",
			"message_id", msg.ID,
			"attempt", attempt,
			"class", class.String(),
			"error", err,
		)

		if !class.Retryable() {
			return "", m.fail(msg.ID, false, fmt.Errorf("%s failure: %w", class, err))
		}
		if attempt == m.policy.MaxAttempts {
			break
		}

		delay := m.policy.Delay(attempt, m.jitterFrac())
		rec := store.RetryRecord{
			MessageID:      msg.ID,
			Attempt:        attempt,
			LastError:      err.Error(),
			NextEligibleAt: m.now().Add(delay),
		}
		if uerr := m.store.UpsertRetry(rec); uerr != nil {
			m.logger.Warn("persist retry record", "message_id", msg.ID, "error", uerr)
		}
		if serr := m.store.SetDeliveryState(msg.ID, store.StateRetrying, false); serr != nil {
			m.logger.Warn("mark retrying", "message_id", msg.ID, "error", serr)
		}

		if serr := m.sleep(ctx, delay); serr != nil {
			// Cancelled mid-backoff: observed before the next network
			// call is issued.
			return "", serr
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	return "", m.fail(msg.ID, true,
		fmt.Errorf("delivery failed after %d attempts: %w", m.policy.MaxAttempts, lastErr))
}

// fail records the terminal failed state. The retryable flag drives
// whether the UI offers a manual retry.
func (m *Manager) fail(messageID string, retryable bool, err error) error {
	if serr := m.store.SetDeliveryState(messageID, store.StateFailed, retryable); serr != nil {
		m.logger.Error("mark failed", "message_id", messageID, "error", serr)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
