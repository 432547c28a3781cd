// Package engine is the operational facade over the alert pipeline: trigger
// one alert now, inspect and drain the queue, read the breaker.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"jobmate/alert-service/internal/breaker"
	"jobmate/alert-service/internal/ledger"
	"jobmate/alert-service/internal/metrics"
	"jobmate/alert-service/internal/model"
	"jobmate/alert-service/internal/queue"
	"jobmate/alert-service/internal/scheduler"
)

var (
	// ErrNoQueue is returned by queue operations in degraded mode.
	ErrNoQueue = errors.New("queue backend not configured (degraded mode)")
	// ErrAlertInactive is returned when triggering a deactivated alert.
	ErrAlertInactive = errors.New("alert is not active")
	// ErrBreakerOpen is returned by a direct trigger while dispatch is paused.
	ErrBreakerOpen = errors.New("dispatch paused by circuit breaker")
)

// BreakerView is the breaker surface the engine reads and feeds.
type BreakerView interface {
	Observe(ctx context.Context, err error)
	IsOpen() bool
	State() breaker.State
	Failures() int
}

// NoteAlreadyQueued explains a queued trigger that scheduled nothing.
const NoteAlreadyQueued = "an item for this alert already exists in the current id bucket " +
	"(waiting, running or completed); no new check was scheduled"

// TriggerResult reports a trigger-now call.
type TriggerResult struct {
	Mode        scheduler.Mode `json:"mode"`
	ItemID      string         `json:"itemId,omitempty"`
	Created     bool           `json:"created"`
	NewListings int            `json:"newListings"`
	Note        string         `json:"note,omitempty"`
}

// BreakerStatus is a snapshot of the breaker.
type BreakerStatus struct {
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Engine holds the collaborators; producer is nil in degraded mode.
type Engine struct {
	alerts   ledger.Store
	producer *queue.Producer
	proc     scheduler.Processor
	breaker  BreakerView
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New builds an Engine. producer may be nil (degraded mode); m may be nil.
func New(alerts ledger.Store, producer *queue.Producer, proc scheduler.Processor, br BreakerView, m *metrics.Metrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{alerts: alerts, producer: producer, proc: proc, breaker: br, metrics: m, log: log}
}

// Mode reports whether alerts go through the queue.
func (e *Engine) Mode() scheduler.Mode {
	if e.producer == nil {
		return scheduler.ModeDirect
	}
	return scheduler.ModeQueued
}

// TriggerAlert schedules one alert check now at high priority. In degraded
// mode the check runs inline.
func (e *Engine) TriggerAlert(ctx context.Context, alertID string) (TriggerResult, error) {
	a, err := e.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("trigger %s: %w", alertID, err)
	}
	if !a.IsActive {
		return TriggerResult{}, fmt.Errorf("trigger %s: %w", alertID, ErrAlertInactive)
	}
	payload := model.PayloadFromAlert(*a)

	if e.producer != nil {
		id, created, err := e.producer.Enqueue(ctx, payload, queue.EnqueueOptions{Priority: queue.PriorityHigh})
		if err != nil {
			return TriggerResult{}, fmt.Errorf("trigger %s: %w", alertID, err)
		}
		e.log.Info("alert triggered", zap.String("alert_id", alertID), zap.String("item_id", id), zap.Bool("created", created))
		res := TriggerResult{Mode: scheduler.ModeQueued, ItemID: id, Created: created}
		if !created {
			res.Note = NoteAlreadyQueued
		}
		return res, nil
	}

	if e.breaker != nil && e.breaker.IsOpen() {
		return TriggerResult{}, fmt.Errorf("trigger %s: %w", alertID, ErrBreakerOpen)
	}
	res, err := e.proc.Process(ctx, payload)
	if e.breaker != nil {
		e.breaker.Observe(ctx, err)
	}
	if err != nil {
		return TriggerResult{}, fmt.Errorf("trigger %s: %w", alertID, err)
	}
	return TriggerResult{Mode: scheduler.ModeDirect, Created: true, NewListings: res.NewListingsCount}, nil
}

// Stats returns queue counts and refreshes the depth gauges.
func (e *Engine) Stats(ctx context.Context) (queue.Stats, error) {
	if e.producer == nil {
		return queue.Stats{}, ErrNoQueue
	}
	s, err := e.producer.Queue().Stats(ctx)
	if err != nil {
		return queue.Stats{}, err
	}
	e.metrics.SetQueueDepth(s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed)
	return s, nil
}

// Drain empties the waiting and delayed items.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	if e.producer == nil {
		return 0, ErrNoQueue
	}
	n, err := e.producer.Queue().Drain(ctx)
	if err != nil {
		return n, err
	}
	e.log.Warn("queue drained", zap.Int("removed", n))
	return n, nil
}

// Failed lists the most recent failed items.
func (e *Engine) Failed(ctx context.Context, limit int) ([]queue.FailedItem, error) {
	if e.producer == nil {
		return nil, ErrNoQueue
	}
	return e.producer.Queue().Failed(ctx, limit)
}

// History returns the user's most recent notification records, newest first.
// It reads the ledger and works in degraded mode too.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]model.NotificationRecord, error) {
	recs, err := e.alerts.History(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", userID, err)
	}
	return recs, nil
}

// Breaker returns the breaker snapshot; flowing when no breaker is wired.
func (e *Engine) Breaker() BreakerStatus {
	if e.breaker == nil {
		return BreakerStatus{State: breaker.Flowing.String()}
	}
	return BreakerStatus{State: e.breaker.State().String(), Failures: e.breaker.Failures()}
}
