// Package scheduler wires up the cron job that periodically fans every active
// alert out to the queue, or processes them directly when no queue backend is
// available (degraded mode).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"jobmate/alert-service/internal/alert"
	"jobmate/alert-service/internal/metrics"
	"jobmate/alert-service/internal/model"
	"jobmate/alert-service/internal/queue"
)

// Mode names the fan-out path a cycle used.
type Mode string

const (
	ModeQueued Mode = "queued"
	ModeDirect Mode = "direct"
)

// AlertSource lists the alerts to check.
type AlertSource interface {
	ActiveAlerts(ctx context.Context) ([]model.Alert, error)
}

// Processor runs one alert check inline (degraded mode).
type Processor interface {
	Process(ctx context.Context, payload model.AlertPayload) (alert.Result, error)
}

// Breaker is the circuit breaker as seen by the direct path, which has no
// worker to report outcomes for it.
type Breaker interface {
	Observe(ctx context.Context, err error)
	IsOpen() bool
}

// Config configures a Scheduler.
type Config struct {
	// Interval between cycles.
	Interval time.Duration
	// Spacing is the pause between two alerts in degraded mode.
	Spacing time.Duration
}

// Summary reports one cycle.
type Summary struct {
	Mode      Mode
	Alerts    int
	Queued    int
	Processed int
	Failed    int
	// Stopped is true when a direct cycle ended early on an open breaker.
	Stopped bool
}

// Scheduler wraps robfig/cron and owns the fan-out.
type Scheduler struct {
	cron     *cron.Cron
	spec     string // cron spec, e.g. "@every 6h0m0s"
	cfg      Config
	alerts   AlertSource
	producer *queue.Producer // nil in degraded mode
	direct   Processor
	breaker  Breaker
	metrics  *metrics.Metrics
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler. With a nil producer every cycle runs in direct
// mode through proc, spacing alerts by cfg.Spacing. br and m may be nil.
func New(cfg Config, alerts AlertSource, producer *queue.Producer, proc Processor, br Breaker, m *metrics.Metrics, log *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		spec:     fmt.Sprintf("@every %s", cfg.Interval),
		cfg:      cfg,
		alerts:   alerts,
		producer: producer,
		direct:   proc,
		breaker:  br,
		metrics:  m,
		log:      log,
		sleep:    sleepCtx,
	}
}

// Mode reports which fan-out path cycles take.
func (s *Scheduler) Mode() Mode {
	if s.producer == nil {
		return ModeDirect
	}
	return ModeQueued
}

// Start registers the job and starts the scheduler. Also runs one cycle
// immediately so alerts are checked without waiting for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.runCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.log.Info("cron started", zap.String("spec", s.spec), zap.String("mode", string(s.Mode())))

	go s.runCycle(ctx)
	return nil
}

// Stop halts the cron and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("cron stopped")
}

func (s *Scheduler) runCycle(ctx context.Context) {
	sum, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error("cycle failed", zap.Error(err))
		return
	}
	s.log.Info("cycle complete",
		zap.String("mode", string(sum.Mode)),
		zap.Int("alerts", sum.Alerts),
		zap.Int("queued", sum.Queued),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
		zap.Bool("stopped_early", sum.Stopped))
}

// RunOnce loads the active alerts and fans them out once.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	list, err := s.alerts.ActiveAlerts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load active alerts: %w", err)
	}
	sum := Summary{Mode: s.Mode(), Alerts: len(list)}
	if len(list) == 0 {
		s.log.Debug("no active alerts")
		return sum, nil
	}
	s.metrics.AddScheduled(len(list))

	payloads := make([]model.AlertPayload, 0, len(list))
	for _, a := range list {
		payloads = append(payloads, model.PayloadFromAlert(a))
	}

	if s.producer != nil {
		n, err := s.producer.EnqueueBatch(ctx, payloads)
		sum.Queued = n
		if err != nil {
			return sum, fmt.Errorf("enqueue batch: %w", err)
		}
		return sum, nil
	}
	return s.runDirect(ctx, payloads, sum)
}

// runDirect processes alerts sequentially with a fixed sleep between them to
// stay under the provider rate limit.
func (s *Scheduler) runDirect(ctx context.Context, payloads []model.AlertPayload, sum Summary) (Summary, error) {
	for i, p := range payloads {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.Spacing); err != nil {
				return sum, err
			}
		}
		if s.breaker != nil && s.breaker.IsOpen() {
			s.log.Warn("breaker open, ending direct cycle early",
				zap.Int("remaining", len(payloads)-i))
			sum.Stopped = true
			return sum, nil
		}

		_, err := s.direct.Process(ctx, p)
		if s.breaker != nil && !errors.Is(err, model.ErrInvalidPayload) {
			s.breaker.Observe(ctx, err)
		}
		if err != nil {
			sum.Failed++
			s.log.Warn("alert check failed", zap.String("alert_id", p.AlertID), zap.Error(err))
			continue
		}
		sum.Processed++
	}
	return sum, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cronLogger routes robfig/cron's logging into zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
