package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	completedRetention = 1000
	failedRetention    = 5000
)

type memState string

const (
	stateWaiting   memState = "waiting"
	stateDelayed   memState = "delayed"
	stateActive    memState = "active"
	stateCompleted memState = "completed"
	stateFailed    memState = "failed"
)

type memEntry struct {
	item     Item
	state    memState
	seq      uint64
	claimed  time.Time
	failedAt time.Time
	reason   string
}

// MemoryQueue is an in-process Backend with the same state model as the
// Redis backend. Items do not survive a restart.
type MemoryQueue struct {
	mu        sync.Mutex
	entries   map[string]*memEntry
	seq       uint64
	paused    bool
	resumeAt  time.Time // zero: paused until Resume
	completed []string
	failed    []string
	// staleAfter bounds how long an item stays active without a heartbeat.
	staleAfter time.Duration
	now        func() time.Time
}

var _ Backend = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*memEntry), staleAfter: DefaultStaleAfter, now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item Item) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[item.ID]; ok {
		return false, nil
	}
	now := q.now()
	item.Priority = clampPriority(item.Priority)
	item.EnqueuedAt = now
	item.RunAt = now.Add(item.Delay)
	st := stateWaiting
	if item.Delay > 0 {
		st = stateDelayed
	}
	q.seq++
	q.entries[item.ID] = &memEntry{item: item, state: st, seq: q.seq}
	return true, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	var best *memEntry
	for _, e := range q.entries {
		if e.state == stateActive && now.Sub(e.claimed) >= q.staleAfter {
			if e.item.Attempts >= e.item.MaxAttempts {
				q.failLocked(e, reasonStalled)
				continue
			}
			e.state = stateWaiting
			e.item.LastError = reasonStalled
		}
		if e.state == stateDelayed && !e.item.RunAt.After(now) {
			e.state = stateWaiting
		}
		if e.state != stateWaiting {
			continue
		}
		if best == nil ||
			e.item.Priority < best.item.Priority ||
			(e.item.Priority == best.item.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.state = stateActive
	best.claimed = now
	best.item.Attempts++
	item := best.item
	return &item, nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[item.ID]; ok && e.state == stateActive {
		e.claimed = q.now()
	}
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[item.ID]
	if !ok {
		return ErrNotFound
	}
	e.state = stateCompleted
	q.completed = append(q.completed, item.ID)
	if len(q.completed) > completedRetention {
		for _, id := range q.completed[:len(q.completed)-completedRetention] {
			delete(q.entries, id)
		}
		q.completed = q.completed[len(q.completed)-completedRetention:]
	}
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, item *Item, delay time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[item.ID]
	if !ok {
		return ErrNotFound
	}
	e.state = stateDelayed
	e.item.RunAt = q.now().Add(delay)
	e.item.LastError = reason
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, item *Item, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[item.ID]
	if !ok {
		return ErrNotFound
	}
	q.failLocked(e, reason)
	return nil
}

func (q *MemoryQueue) failLocked(e *memEntry, reason string) {
	e.state = stateFailed
	e.reason = reason
	e.item.LastError = reason
	e.failedAt = q.now()
	q.failed = append(q.failed, e.item.ID)
	if len(q.failed) > failedRetention {
		drop := q.failed[:len(q.failed)-failedRetention]
		for _, id := range drop {
			delete(q.entries, id)
		}
		q.failed = q.failed[len(q.failed)-failedRetention:]
	}
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Paused: q.pausedLocked()}
	for _, e := range q.entries {
		switch e.state {
		case stateWaiting:
			s.Waiting++
		case stateDelayed:
			s.Delayed++
		case stateActive:
			s.Active++
		}
	}
	s.Completed = int64(len(q.completed))
	s.Failed = int64(len(q.failed))
	return s, nil
}

func (q *MemoryQueue) Drain(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.entries {
		if e.state == stateWaiting || e.state == stateDelayed {
			delete(q.entries, id)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Failed(_ context.Context, limit int) ([]FailedItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedItem, 0, len(q.failed))
	for i := len(q.failed) - 1; i >= 0; i-- {
		id := q.failed[i]
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		out = append(out, FailedItem{
			ID:       id,
			AlertID:  e.item.Payload.AlertID,
			Reason:   e.reason,
			Attempts: e.item.Attempts,
			FailedAt: e.failedAt,
			Payload:  e.item.Payload,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Pause(_ context.Context, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.resumeAt = time.Time{}
	if d > 0 {
		q.resumeAt = q.now().Add(d)
	}
	return nil
}

func (q *MemoryQueue) Resume(_ context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.resumeAt = time.Time{}
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Paused(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pausedLocked(), nil
}

func (q *MemoryQueue) pausedLocked() bool {
	if q.paused && !q.resumeAt.IsZero() && !q.now().Before(q.resumeAt) {
		q.paused = false
		q.resumeAt = time.Time{}
	}
	return q.paused
}

func (q *MemoryQueue) Ping(_ context.Context) error { return nil }
