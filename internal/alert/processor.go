// Package alert runs one alert check: search the provider, cache listings,
// pick the ones the user has not been told about, send one digest and ledger
// the outcome.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"jobmate/alert-service/internal/events"
	"jobmate/alert-service/internal/ledger"
	"jobmate/alert-service/internal/metrics"
	"jobmate/alert-service/internal/model"
	"jobmate/alert-service/internal/scraper"
)

// Searcher is the job-search provider.
type Searcher interface {
	Search(ctx context.Context, query, location string, remoteOnly bool, employmentType string) ([]model.Listing, error)
}

// Mailer is the mail transport.
type Mailer interface {
	SendAlertDigest(ctx context.Context, toEmail, toName, alertTitle string, listings []model.Listing) (messageID string, err error)
}

// EventSink receives best-effort push events.
type EventSink interface {
	NotifyUser(ctx context.Context, userID string, ev events.Event) error
}

// Result is the outcome of one alert check.
type Result struct {
	NewListingsCount int
}

// Processor executes alert checks. It holds no per-alert state; concurrent
// checks are safe because the ledger's uniqueness rules arbitrate.
type Processor struct {
	searcher Searcher
	ledger   *ledger.Ledger
	mailer   Mailer
	sink     EventSink
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewProcessor wires a Processor. sink and m may be nil.
func NewProcessor(searcher Searcher, l *ledger.Ledger, mailer Mailer, sink EventSink, m *metrics.Metrics, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		searcher: searcher,
		ledger:   l,
		mailer:   mailer,
		sink:     sink,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// BuildQuery joins the alert title and keywords into the provider query and
// adds the "remote" term for remote-only alerts. Location travels separately.
func BuildQuery(p model.AlertPayload) string {
	terms := []string{strings.TrimSpace(p.Title)}
	for _, k := range p.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			terms = append(terms, k)
		}
	}
	if p.RemoteOnly {
		terms = append(terms, "remote")
	}
	return strings.Join(terms, " ")
}

// Handle adapts Process to the queue worker.
func (p *Processor) Handle(ctx context.Context, payload model.AlertPayload) error {
	_, err := p.Process(ctx, payload)
	return err
}

// Process runs one alert check. Provider failures are returned unchanged in
// kind (errors.Is against the scraper sentinels); a failed digest send is
// ledgered and does not fail the check.
func (p *Processor) Process(ctx context.Context, payload model.AlertPayload) (Result, error) {
	start := p.now()
	if err := payload.Validate(); err != nil {
		return Result{}, err
	}
	log := p.log.With(zap.String("alert_id", payload.AlertID), zap.String("user_id", payload.UserID))

	query := BuildQuery(payload)
	found, err := p.searcher.Search(ctx, query, payload.Location, payload.RemoteOnly, strings.Join(payload.EmploymentTypes, ","))
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, scraper.ErrRateLimited) {
			outcome = metrics.OutcomeRateLimited
		}
		p.observe(outcome, start)
		return Result{}, fmt.Errorf("alert %s search %q: %w", payload.AlertID, query, err)
	}

	if len(found) == 0 {
		if err := p.touch(ctx, payload.AlertID); err != nil {
			return Result{}, err
		}
		log.Debug("no listings returned", zap.String("query", query))
		p.observe(metrics.OutcomeNoResults, start)
		return Result{}, nil
	}

	fresh, err := p.selectNew(ctx, payload.UserID, found)
	if err != nil {
		p.observe(metrics.OutcomeError, start)
		return Result{}, err
	}
	if len(fresh) == 0 {
		if err := p.touch(ctx, payload.AlertID); err != nil {
			return Result{}, err
		}
		log.Debug("no new listings", zap.Int("returned", len(found)))
		p.observe(metrics.OutcomeNoNew, start)
		return Result{}, nil
	}
	p.metrics.AddNewListings(len(fresh))

	messageID, sendErr := p.mailer.SendAlertDigest(ctx, payload.Email, payload.Name, payload.Title, fresh)
	if sendErr != nil {
		log.Warn("digest send failed, ledgering listings as failed",
			zap.Int("listings", len(fresh)), zap.Error(sendErr))
		if err := p.ledgerAll(ctx, payload, fresh, model.StatusFailed, "", sendErr.Error()); err != nil {
			return Result{}, err
		}
		if err := p.touch(ctx, payload.AlertID); err != nil {
			return Result{}, err
		}
		p.observe(metrics.OutcomeSendFailed, start)
		return Result{NewListingsCount: len(fresh)}, nil
	}

	if err := p.ledgerAll(ctx, payload, fresh, model.StatusSent, messageID, ""); err != nil {
		return Result{}, err
	}
	if err := p.ledger.Store().RecordAlertStats(ctx, payload.AlertID, len(fresh), 1, p.now().UTC()); err != nil {
		return Result{}, fmt.Errorf("alert %s stats: %w", payload.AlertID, err)
	}
	p.publish(ctx, payload, fresh, log)

	log.Info("digest sent", zap.Int("new_listings", len(fresh)), zap.String("message_id", messageID))
	p.observe(metrics.OutcomeNotified, start)
	return Result{NewListingsCount: len(fresh)}, nil
}

// selectNew caches every listing and keeps those not yet ledgered for the
// user, once each.
func (p *Processor) selectNew(ctx context.Context, userID string, found []model.Listing) ([]model.Listing, error) {
	seen := make(map[string]bool, len(found))
	var fresh []model.Listing
	for _, l := range found {
		canonical, err := p.ledger.UpsertListing(ctx, l)
		if err != nil {
			return nil, err
		}
		if seen[canonical.ID] {
			continue
		}
		seen[canonical.ID] = true

		notified, err := p.ledger.AlreadyNotified(ctx, userID, canonical.ID)
		if err != nil {
			return nil, err
		}
		if !notified {
			fresh = append(fresh, canonical)
		}
	}
	return fresh, nil
}

func (p *Processor) ledgerAll(ctx context.Context, payload model.AlertPayload, listings []model.Listing, status model.DeliveryStatus, messageID, errText string) error {
	for _, l := range listings {
		err := p.ledger.RecordNotification(ctx, model.NotificationRecord{
			UserID:     payload.UserID,
			AlertID:    payload.AlertID,
			ListingID:  l.ID,
			ExternalID: l.ExternalID,
			Status:     status,
			MessageID:  messageID,
			Error:      errText,
		})
		if err != nil {
			return fmt.Errorf("alert %s: %w", payload.AlertID, err)
		}
	}
	p.metrics.AddNotifications(string(status), len(listings))
	return nil
}

func (p *Processor) touch(ctx context.Context, alertID string) error {
	if err := p.ledger.Store().TouchAlert(ctx, alertID, p.now().UTC()); err != nil {
		return fmt.Errorf("alert %s touch: %w", alertID, err)
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, payload model.AlertPayload, listings []model.Listing, log *zap.Logger) {
	if p.sink == nil {
		return
	}
	briefs := make([]events.ListingBrief, 0, len(listings))
	for _, l := range listings {
		briefs = append(briefs, events.ListingBrief{ID: l.ID, Title: l.Title, Company: l.Company, ApplyURL: l.ApplyURL})
	}
	err := p.sink.NotifyUser(ctx, payload.UserID, events.Event{
		Type:        events.TypeJobAlertMatches,
		AlertID:     payload.AlertID,
		AlertTitle:  payload.Title,
		NewListings: len(listings),
		Listings:    briefs,
		At:          p.now().UTC(),
	})
	if err != nil {
		log.Warn("publish alert event failed", zap.Error(err))
		p.metrics.IncEventsDropped()
	}
}

func (p *Processor) observe(outcome string, start time.Time) {
	p.metrics.ObserveAlert(outcome, p.now().Sub(start).Seconds())
}
