package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jobmate/alert-service/internal/model"
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Bucket is the stable-id time bucket width.
	Bucket time.Duration
	// Spacing is the delay step between consecutive items of a batch.
	Spacing time.Duration
	// MaxAttempts bounds retries per item.
	MaxAttempts int
}

// EnqueueOptions are the per-call scheduling options.
type EnqueueOptions struct {
	Delay    time.Duration
	Priority int
}

// Producer validates payloads, derives stable ids and spaces batches before
// handing items to a Queue.
type Producer struct {
	q   Queue
	cfg ProducerConfig
	log *zap.Logger
	now func() time.Time
}

// NewProducer returns a Producer over q.
func NewProducer(q Queue, cfg ProducerConfig, log *zap.Logger) *Producer {
	if cfg.Bucket <= 0 {
		cfg.Bucket = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{q: q, cfg: cfg, log: log, now: time.Now}
}

// Queue returns the underlying queue.
func (p *Producer) Queue() Queue { return p.q }

// Enqueue validates payload and stores it under its stable id. created is
// false when an item for the same alert already exists in this bucket.
func (p *Producer) Enqueue(ctx context.Context, payload model.AlertPayload, opts EnqueueOptions) (id string, created bool, err error) {
	if err := payload.Validate(); err != nil {
		return "", false, err
	}
	id = ItemID(payload.AlertID, p.now(), p.cfg.Bucket)
	created, err = p.q.Enqueue(ctx, Item{
		ID:          id,
		Payload:     payload,
		Priority:    clampPriority(opts.Priority),
		Delay:       opts.Delay,
		MaxAttempts: p.cfg.MaxAttempts,
	})
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	if !created {
		p.log.Debug("alert already queued in this bucket", zap.String("item_id", id))
	}
	return id, created, nil
}

// EnqueueBatch enqueues payloads with delay = index × Spacing so a burst of
// alerts reaches the provider spread over time. Invalid payloads are skipped
// and logged; the first backend error aborts the batch.
func (p *Producer) EnqueueBatch(ctx context.Context, payloads []model.AlertPayload) (int, error) {
	queued := 0
	for i, payload := range payloads {
		_, created, err := p.Enqueue(ctx, payload, EnqueueOptions{
			Delay:    time.Duration(i) * p.cfg.Spacing,
			Priority: PriorityNormal,
		})
		if err != nil {
			if payload.Validate() != nil {
				p.log.Warn("skipping invalid alert payload", zap.String("alert_id", payload.AlertID), zap.Error(err))
				continue
			}
			return queued, err
		}
		if created {
			queued++
		}
	}
	return queued, nil
}
