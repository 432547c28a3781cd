package breaker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/alert-service/internal/breaker"
	"jobmate/alert-service/internal/scraper"
)

type fakePauser struct {
	mu      sync.Mutex
	paused  bool
	pauses  int
	resumes int
	ttl     time.Duration
}

func (p *fakePauser) Pause(_ context.Context, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.pauses++
	p.ttl = d
	return nil
}

func (p *fakePauser) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.resumes++
	return nil
}

func (p *fakePauser) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

var rateLimited = fmt.Errorf("search: %w", scraper.ErrRateLimited)

func TestBreaker_TripsAtThresholdAndResumes(t *testing.T) {
	ctx := context.Background()
	p := &fakePauser{}
	var transitions []string
	var mu sync.Mutex
	b := breaker.New(breaker.Config{
		Threshold: 5,
		Cooldown:  80 * time.Millisecond,
		OnStateChange: func(from, to breaker.State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"→"+to.String())
			mu.Unlock()
		},
	}, p, nil)
	defer b.Stop()

	for i := 0; i < 4; i++ {
		b.Observe(ctx, rateLimited)
	}
	assert.Equal(t, breaker.Flowing, b.State())
	assert.Equal(t, 4, b.Failures())

	b.Observe(ctx, rateLimited)
	assert.True(t, b.IsOpen())
	assert.True(t, p.isPaused())
	assert.Equal(t, 1, b.Trips())
	p.mu.Lock()
	assert.Equal(t, 80*time.Millisecond, p.ttl, "pause must expire with the cooldown")
	p.mu.Unlock()

	require.Eventually(t, func() bool { return !b.IsOpen() }, time.Second, 5*time.Millisecond)
	assert.False(t, p.isPaused())
	assert.Equal(t, 0, b.Failures())

	mu.Lock()
	assert.Equal(t, []string{"flowing→paused", "paused→flowing"}, transitions)
	mu.Unlock()
}

func TestBreaker_NonRateLimitedOutcomeResets(t *testing.T) {
	ctx := context.Background()
	b := breaker.New(breaker.Config{Threshold: 3, Cooldown: time.Hour}, &fakePauser{}, nil)
	defer b.Stop()

	b.Observe(ctx, rateLimited)
	b.Observe(ctx, rateLimited)
	b.Observe(ctx, errors.New("smtp: connection refused"))
	assert.Equal(t, 0, b.Failures())

	b.Observe(ctx, rateLimited)
	b.Observe(ctx, nil)
	b.Observe(ctx, fmt.Errorf("x: %w", scraper.ErrTransient))
	assert.Equal(t, 0, b.Failures())
	assert.False(t, b.IsOpen())
}

func TestBreaker_IgnoresFailuresWhilePaused(t *testing.T) {
	ctx := context.Background()
	p := &fakePauser{}
	b := breaker.New(breaker.Config{Threshold: 1, Cooldown: time.Hour}, p, nil)
	defer b.Stop()

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	assert.Equal(t, 1, p.pauses)
	assert.Equal(t, 1, b.Trips())

	b.RecordSuccess()
	assert.True(t, b.IsOpen(), "success does not end a pause early")
}

func TestBreaker_StopCancelsResume(t *testing.T) {
	p := &fakePauser{}
	b := breaker.New(breaker.Config{Threshold: 1, Cooldown: 30 * time.Millisecond}, p, nil)
	b.RecordFailure(context.Background())
	b.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.True(t, b.IsOpen())
	assert.Equal(t, 0, p.resumes)
}

func TestBreaker_NilPauserAndDefaults(t *testing.T) {
	b := breaker.New(breaker.Config{}, nil, nil)
	defer b.Stop()
	for i := 0; i < breaker.DefaultConfig().Threshold; i++ {
		b.RecordFailure(context.Background())
	}
	assert.True(t, b.IsOpen())
	assert.Equal(t, "paused", b.State().String())
}
