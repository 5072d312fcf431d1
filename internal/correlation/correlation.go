// Package correlation bridges a running agent and an out-of-band actor.
//
// A tool call that cannot be executed inline becomes a PendingCall keyed by
// a correlation id. The run may wait for its result for a bounded time;
// whoever produces the result calls Resolve. When the wait gives up first,
// the call is flipped from waiting to pending with a compare-and-swap, and
// a result that lands afterwards is carried to a future run by the inbox.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/machi/internal/bus"
	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/telemetry"
)

// Await outcomes, recorded on the machi.correlation.awaits counter.
const (
	outcomeResolved  = "resolved"
	outcomeTimeout   = "timeout"
	outcomeTransport = "transport"
	outcomeCancelled = "cancelled"
)

// casTimeout bounds the store work done after a wait has given up, so a
// cancelled caller still gets an answer promptly.
const casTimeout = 5 * time.Second

// sweepGrace keeps the sweeper from racing a live waiter whose timer is
// about to fire.
const sweepGrace = 5 * time.Second

// Manager owns the PendingCall lifecycle. It is safe for concurrent use.
type Manager struct {
	store  storage.PendingCallStore
	bus    bus.Bus
	logger *slog.Logger

	now          func() time.Time
	pollInterval time.Duration

	// beforeExpire runs between the end of a wait and the CAS. Tests use it
	// to land a resolution inside that window.
	beforeExpire func(correlationID string)

	awaits   metric.Int64Counter
	awaitDur metric.Float64Histogram
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolling makes AwaitResolution poll the store at interval instead of
// subscribing to the bus.
func WithPolling(interval time.Duration) Option {
	return func(m *Manager) { m.pollInterval = interval }
}

// WithClock overrides the wall clock used for created/expires/resolved
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager. b may be nil only when polling is configured.
func New(store storage.PendingCallStore, b bus.Bus, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}

	meter := telemetry.Meter("machi/correlation")
	var err error
	if m.awaits, err = meter.Int64Counter("machi.correlation.awaits",
		metric.WithDescription("Bounded waits by outcome")); err != nil {
		logger.Warn("correlation: create awaits counter", "error", err)
	}
	if m.awaitDur, err = meter.Float64Histogram("machi.correlation.await_duration",
		metric.WithDescription("Bounded wait duration"), metric.WithUnit("ms")); err != nil {
		logger.Warn("correlation: create await duration histogram", "error", err)
	}
	return m
}

// CreateRequest describes a tool call that needs an out-of-band result.
type CreateRequest struct {
	RunID    uuid.UUID
	AgentID  string
	ToolName string
	Args     json.RawMessage
	Mode     model.CallMode
	// Timeout sets expires_at for sync calls. Ignored for async calls.
	Timeout time.Duration
}

// CreatePendingCall persists a new PendingCall and returns its correlation
// id. Sync calls start waiting; async calls start pending.
func (m *Manager) CreatePendingCall(ctx context.Context, req CreateRequest) (string, error) {
	const op = "correlation.create"
	if req.ToolName == "" {
		return "", fault.Errorf(fault.Validation, op, "tool name is required")
	}
	if req.Mode != model.CallModeSync && req.Mode != model.CallModeAsync {
		return "", fault.Errorf(fault.Validation, op, "unknown call mode %q", req.Mode)
	}
	if req.Args != nil && !json.Valid(req.Args) {
		return "", fault.Errorf(fault.Validation, op, "args are not valid JSON")
	}

	now := m.now().UTC()
	call := model.PendingCall{
		ID:            uuid.New(),
		RunID:         req.RunID,
		AgentID:       req.AgentID,
		CorrelationID: uuid.NewString(),
		ToolName:      req.ToolName,
		Args:          req.Args,
		Status:        req.Mode.InitialStatus(),
		CreatedAt:     now,
	}
	if req.Mode == model.CallModeSync && req.Timeout > 0 {
		exp := now.Add(req.Timeout)
		call.ExpiresAt = &exp
	}
	if err := m.store.CreatePendingCall(ctx, call); err != nil {
		return "", fault.Persist(op, err)
	}
	return call.CorrelationID, nil
}

// AwaitResolution waits up to timeout for the call's result. It reports
// false when no result arrived; that is an expected outcome, not an error.
// Cancelling ctx ends the wait early and is treated as a timeout. Errors
// are returned only for store failures.
func (m *Manager) AwaitResolution(ctx context.Context, correlationID string, timeout time.Duration) (json.RawMessage, bool, error) {
	const op = "correlation.await"
	start := time.Now()

	call, err := m.store.GetPendingCall(ctx, correlationID)
	if err != nil {
		return nil, false, fault.Persist(op, err)
	}
	if call.Status == model.CallResolved {
		m.record(ctx, outcomeResolved, start)
		return call.Result, true, nil
	}

	if m.pollInterval > 0 {
		return m.awaitPolling(ctx, correlationID, timeout, start)
	}
	return m.awaitNotify(ctx, correlationID, timeout, start)
}

func (m *Manager) awaitNotify(ctx context.Context, correlationID string, timeout time.Duration, start time.Time) (json.RawMessage, bool, error) {
	sub, err := m.bus.Subscribe(ctx, bus.Channel(correlationID))
	if err != nil {
		m.logger.Warn("correlation: subscribe failed, giving up wait",
			"correlation_id", correlationID, "error", err)
		return m.expire(ctx, correlationID, outcomeTransport, start)
	}
	defer sub.Close()

	// A resolve between the fast-path read and the subscription would
	// otherwise go unnoticed until the timer.
	if result, ok, err := m.reread(ctx, correlationID); err != nil || ok {
		if ok {
			m.record(ctx, outcomeResolved, start)
		}
		return result, ok, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case payload, open := <-sub.C:
			if !open {
				return m.expire(ctx, correlationID, outcomeTransport, start)
			}
			if len(payload) > 0 && json.Valid(payload) {
				m.record(ctx, outcomeResolved, start)
				return json.RawMessage(payload), true, nil
			}
			// Empty payloads mean "something happened, check the store".
			result, ok, err := m.reread(ctx, correlationID)
			if err != nil || ok {
				if ok {
					m.record(ctx, outcomeResolved, start)
				}
				return result, ok, err
			}
		case <-timer.C:
			sub.Close()
			return m.expire(ctx, correlationID, outcomeTimeout, start)
		case <-ctx.Done():
			sub.Close()
			return m.expire(ctx, correlationID, outcomeCancelled, start)
		}
	}
}

func (m *Manager) awaitPolling(ctx context.Context, correlationID string, timeout time.Duration, start time.Time) (json.RawMessage, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, ok, err := m.reread(ctx, correlationID)
			if err != nil || ok {
				if ok {
					m.record(ctx, outcomeResolved, start)
				}
				return result, ok, err
			}
		case <-timer.C:
			return m.expire(ctx, correlationID, outcomeTimeout, start)
		case <-ctx.Done():
			return m.expire(ctx, correlationID, outcomeCancelled, start)
		}
	}
}

// reread ignores cancellation so a cancelled wait still reports a result
// that is already stored.
func (m *Manager) reread(ctx context.Context, correlationID string) (json.RawMessage, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), casTimeout)
	defer cancel()
	call, err := m.store.GetPendingCall(ctx, correlationID)
	if err != nil {
		return nil, false, fault.Persist("correlation.await", err)
	}
	if call.Status == model.CallResolved {
		return call.Result, true, nil
	}
	return nil, false, nil
}

// expire runs the waiting -> pending CAS and then reads the call once more.
// A resolution that landed after the wait ended but before the CAS is
// returned rather than lost.
func (m *Manager) expire(ctx context.Context, correlationID, outcome string, start time.Time) (json.RawMessage, bool, error) {
	const op = "correlation.expire"
	if m.beforeExpire != nil {
		m.beforeExpire(correlationID)
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), casTimeout)
	defer cancel()

	swapped, err := m.store.ExpirePendingCall(cctx, correlationID)
	if err != nil {
		return nil, false, fault.Persist(op, err)
	}
	call, err := m.store.GetPendingCall(cctx, correlationID)
	if err != nil {
		return nil, false, fault.Persist(op, err)
	}
	if call.Status == model.CallResolved {
		m.logger.Debug("correlation: resolution landed after wait ended",
			"correlation_id", correlationID)
		m.record(ctx, outcomeResolved, start)
		return call.Result, true, nil
	}

	m.logger.Info("correlation: wait ended without result",
		"correlation_id", correlationID, "outcome", outcome, "swapped", swapped)
	m.record(ctx, outcome, start)
	return nil, false, nil
}

// Resolve stores result for the call and wakes any waiter. Resolving an
// already resolved call is a no-op that reports duplicate=true; the first
// result is kept. A call that was pending gets its result queued for the
// agent's inbox by the store.
func (m *Manager) Resolve(ctx context.Context, correlationID string, result json.RawMessage) (duplicate bool, err error) {
	const op = "correlation.resolve"
	if model.IsAbsentJSON(result) {
		return false, fault.Errorf(fault.Validation, op, "result is required")
	}
	if !json.Valid(result) {
		return false, fault.Errorf(fault.Validation, op, "result is not valid JSON")
	}

	prev, err := m.store.ResolvePendingCall(ctx, correlationID, result, m.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("%s: %s: %w", op, correlationID, err)
	}
	if err != nil {
		return false, fault.Persist(op, err)
	}

	switch prev {
	case model.CallResolved:
		m.logger.Debug("correlation: duplicate resolution ignored",
			"correlation_id", correlationID,
			"error", fault.New(fault.DuplicateResolution, op, nil))
		return true, nil
	case model.CallPending:
		m.logger.Info("correlation: late result queued for inbox",
			"correlation_id", correlationID,
			"event_id", model.ToolResultEventID(correlationID))
		return false, nil
	}

	if m.bus == nil {
		return false, nil
	}
	// A lost notification only delays the waiter until its timer; the
	// post-CAS re-read still finds the result.
	if err := m.bus.Publish(ctx, bus.Channel(correlationID), result); err != nil {
		m.logger.Warn("correlation: publish resolution",
			"correlation_id", correlationID, "error", err)
	}
	return false, nil
}

// Get returns the current state of a call.
func (m *Manager) Get(ctx context.Context, correlationID string) (model.PendingCall, error) {
	call, err := m.store.GetPendingCall(ctx, correlationID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.PendingCall{}, fmt.Errorf("correlation.get: %s: %w", correlationID, err)
	}
	if err != nil {
		return model.PendingCall{}, fault.Persist("correlation.get", err)
	}
	return call, nil
}

// SweepOverdue expires waiting calls whose deadline passed long ago, which
// only happens when the waiting process died. Returns how many flipped.
func (m *Manager) SweepOverdue(ctx context.Context, limit int) (int, error) {
	const op = "correlation.sweep"
	calls, err := m.store.ListOverdueCalls(ctx, m.now().Add(-sweepGrace), limit)
	if err != nil {
		return 0, fault.Persist(op, err)
	}
	swept := 0
	for _, c := range calls {
		ok, err := m.store.ExpirePendingCall(ctx, c.CorrelationID)
		if err != nil {
			return swept, fault.Persist(op, err)
		}
		if ok {
			swept++
		}
	}
	if swept > 0 {
		m.logger.Info("correlation: expired orphaned waits", "count", swept)
	}
	return swept, nil
}

// RunSweeper calls SweepOverdue every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepOverdue(ctx, 100); err != nil && ctx.Err() == nil {
				m.logger.Error("correlation: sweep", "error", err)
			}
		}
	}
}

func (m *Manager) record(ctx context.Context, outcome string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	ctx = context.WithoutCancel(ctx)
	if m.awaits != nil {
		m.awaits.Add(ctx, 1, attrs)
	}
	if m.awaitDur != nil {
		m.awaitDur.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
}
