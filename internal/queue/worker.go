package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"jobmate/alert-service/internal/metrics"
	"jobmate/alert-service/internal/model"
)

// Handler processes one item's payload.
type Handler func(ctx context.Context, payload model.AlertPayload) error

// Observer is told the outcome of every handled item; the circuit breaker
// implements it.
type Observer interface {
	Observe(ctx context.Context, err error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Concurrency is the number of consuming goroutines. Defaults to 1, which
	// serialises provider calls.
	Concurrency int
	// RequestsPerMinute caps handler invocations across all goroutines.
	// Zero disables the limiter.
	RequestsPerMinute int
	// PollInterval is the idle sleep between empty or paused polls.
	PollInterval time.Duration
	// StatsInterval is how often queue depth is pushed to metrics.
	StatsInterval time.Duration
	// HeartbeatInterval is how often a running item's claim is refreshed. It
	// must stay well under the backend's stale-after window.
	HeartbeatInterval time.Duration
	// Backoff computes the retry delay from the attempt number.
	Backoff Backoff
	// Retryable decides whether a handler error reschedules the item. A nil
	// func treats every error as retryable.
	Retryable func(error) bool
}

func (c *WorkerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultStaleAfter / 5
	}
	if c.Backoff == nil {
		c.Backoff = Exponential{Initial: time.Minute, Max: 30 * time.Minute}
	}
}

// Worker consumes a Backend and runs a Handler per item with rate limiting,
// retry/backoff and pause awareness.
type Worker struct {
	id       string
	backend  Backend
	handler  Handler
	observer Observer
	cfg      WorkerConfig
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewWorker builds a Worker. observer and m may be nil.
func NewWorker(backend Backend, handler Handler, observer Observer, cfg WorkerConfig, m *metrics.Metrics, log *zap.Logger) *Worker {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	id := uuid.NewString()
	return &Worker{
		id:       id,
		backend:  backend,
		handler:  handler,
		observer: observer,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		metrics:  m,
		log:      log.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker's consumer id.
func (w *Worker) ID() string { return w.id }

// Run consumes until ctx is cancelled, then waits for in-flight items.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker starting",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("requests_per_minute", w.cfg.RequestsPerMinute))

	var wg sync.WaitGroup
	for range w.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	if w.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.statsLoop(ctx)
		}()
	}
	wg.Wait()
	w.log.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("poll failed", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessNext handles at most one item. worked is false when the queue is
// paused or nothing is ready.
func (w *Worker) ProcessNext(ctx context.Context) (worked bool, err error) {
	paused, err := w.backend.Paused(ctx)
	if err != nil {
		return false, err
	}
	if paused {
		return false, nil
	}

	item, err := w.backend.Dequeue(ctx)
	if err != nil || item == nil {
		return false, err
	}

	if err := w.limiter.Wait(ctx); err != nil {
		// Shutting down before the item ran: put it back with no delay.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return true, w.backend.Retry(rctx, item, 0, "worker stopped before run")
	}

	log := w.log.With(
		zap.String("item_id", item.ID),
		zap.String("alert_id", item.Payload.AlertID),
		zap.Int("attempt", item.Attempts))

	stop := w.heartbeat(ctx, item, log)
	herr := w.handler(ctx, item.Payload)
	stop()
	if w.observer != nil {
		w.observer.Observe(ctx, herr)
	}

	// Bookkeeping must land even if ctx was cancelled mid-handler.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if herr == nil {
		log.Debug("item completed")
		return true, w.backend.Complete(bctx, item)
	}

	if !w.retryable(herr) || item.Attempts >= item.MaxAttempts {
		log.Warn("item failed", zap.Error(herr), zap.Int("max_attempts", item.MaxAttempts))
		w.metrics.IncFailed()
		return true, w.backend.Fail(bctx, item, herr.Error())
	}

	delay := w.cfg.Backoff.Delay(item.Attempts)
	log.Info("item scheduled for retry", zap.Error(herr), zap.Duration("delay", delay))
	w.metrics.IncRetried()
	return true, w.backend.Retry(bctx, item, delay, herr.Error())
}

// heartbeat refreshes item's claim until the returned func is called.
func (w *Worker) heartbeat(ctx context.Context, item *Item, log *zap.Logger) func() {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := w.backend.Heartbeat(hctx, item); err != nil && hctx.Err() == nil {
					log.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) retryable(err error) bool {
	if errors.Is(err, model.ErrInvalidPayload) {
		return false
	}
	if w.cfg.Retryable == nil {
		return true
	}
	return w.cfg.Retryable(err)
}

func (w *Worker) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		w.publishStats(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) publishStats(ctx context.Context) {
	s, err := w.backend.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Debug("stats refresh failed", zap.Error(err))
		}
		return
	}
	w.metrics.SetQueueDepth(s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed)
}
