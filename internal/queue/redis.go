package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmate/alert-service/internal/model"
)

// Key layout, all under a common prefix:
//
//	{p}item:{id}   Hash      payload, priority, attempts, state, …
//	{p}delayed     SortedSet score = run_at (unix ms)
//	{p}waiting     SortedSet score = priority * 1e13 + enqueued_at (unix ms)
//	{p}active      SortedSet score = last claim or heartbeat (unix ms)
//	{p}completed   SortedSet score = finished_at, trimmed to completedRetention
//	{p}failed      SortedSet score = failed_at, trimmed to failedRetention
//	{p}paused      String    present while paused, expires with the cooldown
const defaultKeyPrefix = "alerts:queue:"

const (
	promoteBatch     = 100
	reapBatch        = 100
	completedItemTTL = 24 * time.Hour
	failedItemTTL    = 7 * 24 * time.Hour
	priorityWeight   = 1e13
)

// RedisQueue is a Backend on Redis. Producer-side calls (Enqueue, Stats,
// Drain, Failed, Pause, Resume) use the producer client; worker-side calls
// (Dequeue, Complete, Retry, Fail, Paused) use the consumer client.
type RedisQueue struct {
	producer   redis.Cmdable
	consumer   redis.Cmdable
	prefix     string
	staleAfter time.Duration
	now        func() time.Time
}

var _ Backend = (*RedisQueue)(nil)

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(q *RedisQueue) { q.prefix = prefix }
}

// WithStaleAfter sets how long an active item may go without a heartbeat
// before Dequeue hands it out again.
func WithStaleAfter(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.staleAfter = d
		}
	}
}

// NewRedisQueue builds a queue on two clients. Passing the same client twice
// works but gives up connection isolation. The caller owns client lifecycles.
func NewRedisQueue(producer, consumer redis.Cmdable, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		producer:   producer,
		consumer:   consumer,
		prefix:     defaultKeyPrefix,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQueue) itemKey(id string) string { return q.prefix + "item:" + id }
func (q *RedisQueue) delayedKey() string       { return q.prefix + "delayed" }
func (q *RedisQueue) waitingKey() string       { return q.prefix + "waiting" }
func (q *RedisQueue) activeKey() string        { return q.prefix + "active" }
func (q *RedisQueue) completedKey() string     { return q.prefix + "completed" }
func (q *RedisQueue) failedKey() string        { return q.prefix + "failed" }
func (q *RedisQueue) pausedKey() string        { return q.prefix + "paused" }

func millis(t time.Time) int64 { return t.UnixMilli() }

func waitingScore(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*priorityWeight + float64(millis(enqueuedAt))
}

// enqueueScript creates the item hash and indexes it in one step, so an id
// is never claimed without the item being queued.
//
//	KEYS[1] item hash, KEYS[2] waiting or delayed set
//	ARGV    id, score, payload, priority, max_attempts, state, enqueued_at, run_at
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'payload', ARGV[3],
	'priority', ARGV[4],
	'attempts', 0,
	'max_attempts', ARGV[5],
	'state', ARGV[6],
	'enqueued_at', ARGV[7],
	'run_at', ARGV[8])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// Enqueue stores the item unless its id exists. Creation and indexing are
// atomic.
func (q *RedisQueue) Enqueue(ctx context.Context, item Item) (bool, error) {
	data, err := json.Marshal(item.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	now := q.now()
	priority := clampPriority(item.Priority)
	runAt := now.Add(item.Delay)
	state, setKey, score := stateWaiting, q.waitingKey(), waitingScore(priority, now)
	if item.Delay > 0 {
		state, setKey, score = stateDelayed, q.delayedKey(), float64(millis(runAt))
	}

	created, err := enqueueScript.Run(ctx, q.producer,
		[]string{q.itemKey(item.ID), setKey},
		item.ID,
		strconv.FormatFloat(score, 'f', -1, 64),
		string(data),
		priority,
		item.MaxAttempts,
		string(state),
		millis(now),
		millis(runAt),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: enqueue: %v", ErrQueueUnavailable, err)
	}
	return created == 1, nil
}

// promote moves due delayed items to the waiting set. ZREM decides which
// consumer wins an item when several promote concurrently.
func (q *RedisQueue) promote(ctx context.Context) error {
	due, err := q.consumer.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(millis(q.now()), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("promote range: %w", err)
	}
	for _, id := range due {
		removed, err := q.consumer.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("promote zrem: %w", err)
		}
		if removed == 0 {
			continue
		}
		fields, err := q.consumer.HMGet(ctx, q.itemKey(id), "priority", "enqueued_at").Result()
		if err != nil {
			return fmt.Errorf("promote hmget: %w", err)
		}
		priority := atoiOr(fields[0], PriorityNormal)
		enqueuedAt := time.UnixMilli(int64(atoiOr(fields[1], int(millis(q.now())))))

		pipe := q.consumer.TxPipeline()
		pipe.HSet(ctx, q.itemKey(id), "state", string(stateWaiting))
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(priority, enqueuedAt), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote: %w", err)
		}
	}
	return nil
}

// reap returns active items whose last heartbeat is older than staleAfter to
// the waiting set, or fails them when no attempt is left. A worker that died
// mid-item would otherwise hold it, and its id, forever.
func (q *RedisQueue) reap(ctx context.Context) error {
	now := q.now()
	stale, err := q.consumer.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(millis(now.Add(-q.staleAfter)), 10),
		Count: reapBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: reap range: %v", ErrQueueUnavailable, err)
	}
	for _, id := range stale {
		removed, err := q.consumer.ZRem(ctx, q.activeKey(), id).Result()
		if err != nil {
			return fmt.Errorf("reap zrem: %w", err)
		}
		if removed == 0 {
			continue
		}
		key := q.itemKey(id)
		fields, err := q.consumer.HMGet(ctx, key, "state", "attempts", "max_attempts", "priority", "enqueued_at").Result()
		if err != nil {
			return fmt.Errorf("reap hmget: %w", err)
		}
		if fields[0] == nil {
			continue
		}
		attempts := atoiOr(fields[1], 0)
		maxAttempts := atoiOr(fields[2], 1)

		pipe := q.consumer.TxPipeline()
		if attempts >= maxAttempts {
			pipe.HSet(ctx, key, "state", string(stateFailed), "last_error", reasonStalled, "failed_at", millis(now))
			pipe.Expire(ctx, key, failedItemTTL)
			pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(millis(now)), Member: id})
			pipe.ZRemRangeByRank(ctx, q.failedKey(), 0, -(failedRetention + 1))
		} else {
			enqueuedAt := time.UnixMilli(int64(atoiOr(fields[4], int(millis(now)))))
			pipe.HSet(ctx, key, "state", string(stateWaiting), "last_error", reasonStalled)
			pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(atoiOr(fields[3], PriorityNormal), enqueuedAt), Member: id})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("reap: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Item, error) {
	if err := q.reap(ctx); err != nil {
		return nil, err
	}
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	popped, err := q.consumer.ZPopMin(ctx, q.waitingKey(), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue: %v", ErrQueueUnavailable, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("dequeue: unexpected member %v", popped[0].Member)
	}

	key := q.itemKey(id)
	pipe := q.consumer.TxPipeline()
	pipe.ZAdd(ctx, q.activeKey(), redis.Z{Score: float64(millis(q.now())), Member: id})
	pipe.HSet(ctx, key, "state", string(stateActive))
	pipe.HIncrBy(ctx, key, "attempts", 1)
	all := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dequeue claim: %w", err)
	}
	return itemFromHash(id, all.Val())
}

func itemFromHash(id string, h map[string]string) (*Item, error) {
	raw, ok := h["payload"]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	var payload model.AlertPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("item %s: decode payload: %w", id, err)
	}
	return &Item{
		ID:          id,
		Payload:     payload,
		Priority:    atoiOr(h["priority"], PriorityNormal),
		Attempts:    atoiOr(h["attempts"], 0),
		MaxAttempts: atoiOr(h["max_attempts"], 1),
		EnqueuedAt:  time.UnixMilli(int64(atoiOr(h["enqueued_at"], 0))),
		RunAt:       time.UnixMilli(int64(atoiOr(h["run_at"], 0))),
		LastError:   h["last_error"],
	}, nil
}

func atoiOr(v any, def int) int {
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Heartbeat refreshes the claim on an active item. An item that is no longer
// active is left alone.
func (q *RedisQueue) Heartbeat(ctx context.Context, item *Item) error {
	err := q.consumer.ZAddXX(ctx, q.activeKey(), redis.Z{Score: float64(millis(q.now())), Member: item.ID}).Err()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", item.ID, err)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, item *Item) error {
	now := q.now()
	key := q.itemKey(item.ID)
	pipe := q.consumer.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), item.ID)
	pipe.HSet(ctx, key, "state", string(stateCompleted), "finished_at", millis(now))
	pipe.Expire(ctx, key, completedItemTTL)
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(millis(now)), Member: item.ID})
	pipe.ZRemRangeByRank(ctx, q.completedKey(), 0, -(completedRetention + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", item.ID, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, item *Item, delay time.Duration, reason string) error {
	runAt := q.now().Add(delay)
	key := q.itemKey(item.ID)
	pipe := q.consumer.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), item.ID)
	pipe.HSet(ctx, key, "state", string(stateDelayed), "run_at", millis(runAt), "last_error", reason)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(millis(runAt)), Member: item.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry %s: %w", item.ID, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, item *Item, reason string) error {
	now := q.now()
	key := q.itemKey(item.ID)
	pipe := q.consumer.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), item.ID)
	pipe.HSet(ctx, key, "state", string(stateFailed), "last_error", reason, "failed_at", millis(now))
	pipe.Expire(ctx, key, failedItemTTL)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(millis(now)), Member: item.ID})
	pipe.ZRemRangeByRank(ctx, q.failedKey(), 0, -(failedRetention + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail %s: %w", item.ID, err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.producer.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey())
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	paused := pipe.Exists(ctx, q.pausedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrQueueUnavailable, err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

func (q *RedisQueue) Drain(ctx context.Context) (int, error) {
	n := 0
	for _, setKey := range []string{q.waitingKey(), q.delayedKey()} {
		ids, err := q.producer.ZRange(ctx, setKey, 0, -1).Result()
		if err != nil {
			return n, fmt.Errorf("drain range: %w", err)
		}
		pipe := q.producer.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, q.itemKey(id))
		}
		pipe.Del(ctx, setKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("drain: %w", err)
		}
		n += len(ids)
	}
	return n, nil
}

func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]FailedItem, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.producer.ZRevRange(ctx, q.failedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed range: %v", ErrQueueUnavailable, err)
	}

	out := make([]FailedItem, 0, len(ids))
	for _, id := range ids {
		h, err := q.producer.HGetAll(ctx, q.itemKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed item %s: %w", id, err)
		}
		item, err := itemFromHash(id, h)
		if errors.Is(err, ErrNotFound) {
			// Hash expired; drop the dangling index entry.
			q.producer.ZRem(ctx, q.failedKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, FailedItem{
			ID:       id,
			AlertID:  item.Payload.AlertID,
			Reason:   item.LastError,
			Attempts: item.Attempts,
			FailedAt: time.UnixMilli(int64(atoiOr(h["failed_at"], 0))),
			Payload:  item.Payload,
		})
	}
	return out, nil
}

func (q *RedisQueue) Pause(ctx context.Context, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	if err := q.producer.Set(ctx, q.pausedKey(), "1", d).Err(); err != nil {
		return fmt.Errorf("%w: pause: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Resume(ctx context.Context) error {
	if err := q.producer.Del(ctx, q.pausedKey()).Err(); err != nil {
		return fmt.Errorf("%w: resume: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Paused(ctx context.Context) (bool, error) {
	n, err := q.consumer.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, fmt.Errorf("%w: paused: %v", ErrQueueUnavailable, err)
	}
	return n > 0, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.producer.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if err := q.consumer.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}
