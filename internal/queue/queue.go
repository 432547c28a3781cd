// Package queue is the durable transport between the scheduler and the alert
// processor: delayed, prioritised work items with bounded retries, a
// rate-limited worker, and pause/resume for the circuit breaker.
//
// Backends implement Queue (producer and operator side) and Consumer (worker
// side). The Redis backend keeps the two on separate connections.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobmate/alert-service/internal/model"
)

var (
	// ErrQueueUnavailable is returned when the backend cannot be reached.
	ErrQueueUnavailable = errors.New("queue backend unavailable")
	// ErrNotFound is returned when an item id is unknown to the backend.
	ErrNotFound = errors.New("queue item not found")
)

// DefaultStaleAfter is how long an active item may go without a heartbeat
// before it is handed out again.
const DefaultStaleAfter = 5 * time.Minute

const reasonStalled = "stalled: no heartbeat from worker"

// Priorities: lower values are dequeued first.
const (
	PriorityHigh   = 1
	PriorityNormal = 10
	maxPriority    = 100
)

// Item is one unit of work: "check this alert now".
type Item struct {
	ID          string
	Payload     model.AlertPayload
	Priority    int
	Delay       time.Duration // enqueue-time only
	Attempts    int           // attempts started, including the current one
	MaxAttempts int
	EnqueuedAt  time.Time
	RunAt       time.Time
	LastError   string
}

// Stats are the per-state item counts exposed to operators.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// FailedItem is an item that exhausted its attempts or failed fatally.
type FailedItem struct {
	ID       string             `json:"id"`
	AlertID  string             `json:"alertId"`
	Reason   string             `json:"reason"`
	Attempts int                `json:"attempts"`
	FailedAt time.Time          `json:"failedAt"`
	Payload  model.AlertPayload `json:"payload"`
}

// Queue is the producer and operator side of a backend.
type Queue interface {
	// Enqueue stores item unless an item with the same ID already exists, in
	// which case it reports created = false and changes nothing.
	Enqueue(ctx context.Context, item Item) (created bool, err error)
	Stats(ctx context.Context) (Stats, error)
	// Drain removes every waiting and delayed item and returns how many.
	Drain(ctx context.Context) (int, error)
	// Failed lists the most recently failed items, newest first.
	Failed(ctx context.Context, limit int) ([]FailedItem, error)
	// Pause stops consumption. With d > 0 the pause lifts by itself after d,
	// so a process that dies mid-cooldown cannot leave the queue stopped.
	Pause(ctx context.Context, d time.Duration) error
	Resume(ctx context.Context) error
	Paused(ctx context.Context) (bool, error)
	Ping(ctx context.Context) error
}

// Consumer is the worker side of a backend.
type Consumer interface {
	// Dequeue claims the next ready item, or returns nil when none is ready.
	// Active items whose claim went stale are requeued first.
	Dequeue(ctx context.Context) (*Item, error)
	// Heartbeat keeps the claim on an active item alive.
	Heartbeat(ctx context.Context, item *Item) error
	Complete(ctx context.Context, item *Item) error
	// Retry schedules item to run again after delay.
	Retry(ctx context.Context, item *Item, delay time.Duration, reason string) error
	// Fail moves item to the failed set.
	Fail(ctx context.Context, item *Item, reason string) error
}

// Backend is a complete queue implementation.
type Backend interface {
	Queue
	Consumer
}

// ItemID derives the stable identifier for an alert check: the alert id plus
// the current time floored to bucket. Enqueues for one alert within one
// bucket share an id and collapse onto a single item.
func ItemID(alertID string, now time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Hour
	}
	return fmt.Sprintf("alert-%s-%d", alertID, now.UnixNano()/int64(bucket))
}

func clampPriority(p int) int {
	switch {
	case p <= 0:
		return PriorityNormal
	case p > maxPriority:
		return maxPriority
	default:
		return p
	}
}
