// Package breaker pauses queue consumption after sustained provider rate
// limiting and resumes it unconditionally after a cooldown.
//
//	Flowing ──(threshold consecutive rate-limited outcomes)──► Paused
//	Paused  ──(cooldown elapsed)──────────────────────────────► Flowing
//
// There is no half-open probing.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"jobmate/alert-service/internal/scraper"
)

// State is the breaker position.
type State int

const (
	// Flowing means the queue is consumed normally.
	Flowing State = iota
	// Paused means consumption is stopped until the cooldown elapses.
	Paused
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Flowing:
		return "flowing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Pauser is the consumption switch the breaker drives, normally the queue.
type Pauser interface {
	Pause(ctx context.Context, d time.Duration) error
	Resume(ctx context.Context) error
}

// Config configures a Breaker.
type Config struct {
	// Threshold is the number of consecutive rate-limited outcomes that pauses
	// consumption.
	Threshold int
	// Cooldown is how long consumption stays paused.
	Cooldown time.Duration
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: time.Hour}
}

const pauserTimeout = 5 * time.Second

// Breaker owns the process-wide consecutive-failure counter. Safe for
// concurrent use.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	trips    int
	timer    *time.Timer

	cfg    Config
	pauser Pauser
	log    *zap.Logger
}

// New creates a Breaker driving pauser. pauser may be nil (degraded mode has no
// queue to pause; IsOpen still reports the state).
func New(cfg Config, pauser Pauser, log *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{cfg: cfg, pauser: pauser, log: log}
}

// Observe records the outcome of one alert check: rate-limited errors count
// as failures, anything else (including success and other errors) resets.
func (b *Breaker) Observe(ctx context.Context, err error) {
	if errors.Is(err, scraper.ErrRateLimited) {
		b.RecordFailure(ctx)
		return
	}
	b.RecordSuccess()
}

// RecordFailure counts one rate-limited outcome and trips the breaker at the
// threshold. Failures observed while paused are ignored.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	if b.state == Paused {
		b.mu.Unlock()
		return
	}
	b.failures++
	if b.failures < b.cfg.Threshold {
		b.mu.Unlock()
		return
	}

	b.state = Paused
	b.trips++
	b.timer = time.AfterFunc(b.cfg.Cooldown, b.resume)
	b.log.Warn("provider rate limited repeatedly, pausing queue",
		zap.Int("consecutive_failures", b.failures),
		zap.Duration("cooldown", b.cfg.Cooldown))
	if b.pauser != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pauserTimeout)
		if err := b.pauser.Pause(pctx, b.cfg.Cooldown); err != nil {
			b.log.Error("pause queue failed", zap.Error(err))
		}
		cancel()
	}
	b.mu.Unlock()

	b.notify(Flowing, Paused)
}

// RecordSuccess resets the consecutive-failure counter. It does not end a
// pause early.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *Breaker) resume() {
	b.mu.Lock()
	if b.state != Paused {
		b.mu.Unlock()
		return
	}
	b.state = Flowing
	b.failures = 0
	b.timer = nil
	if b.pauser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), pauserTimeout)
		if err := b.pauser.Resume(ctx); err != nil {
			b.log.Error("resume queue failed", zap.Error(err))
		}
		cancel()
	}
	b.mu.Unlock()

	b.log.Info("cooldown elapsed, queue resumed")
	b.notify(Paused, Flowing)
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// IsOpen reports whether dispatch is paused.
func (b *Breaker) IsOpen() bool { return b.State() == Paused }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Trips returns how many times the breaker has paused dispatch.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Stop cancels a pending resume. The pauser is left as is; its pause expires
// on its own at the end of the cooldown.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
