// Package events publishes best-effort user events on Redis pub/sub for the
// gateway to forward over SSE.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel alert events are published on.
const Channel = "EVENT_JOB_ALERT"

// TypeJobAlertMatches is sent after a digest with new listings went out.
const TypeJobAlertMatches = "JOB_ALERT_MATCHES"

// Event is the message body pushed to a connected client.
type Event struct {
	Type        string         `json:"type"`
	AlertID     string         `json:"alertId"`
	AlertTitle  string         `json:"alertTitle"`
	NewListings int            `json:"newListings"`
	Listings    []ListingBrief `json:"listings,omitempty"`
	At          time.Time      `json:"at"`
}

// ListingBrief is the slice of a listing a client needs to render a toast.
type ListingBrief struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Company  string `json:"company"`
	ApplyURL string `json:"applyUrl"`
}

type envelope struct {
	UserID string `json:"userId"`
	Event
}

// RedisSink publishes events with PUBLISH.
type RedisSink struct {
	rdb     redis.Cmdable
	channel string
}

// NewRedisSink returns a sink publishing on Channel.
func NewRedisSink(rdb redis.Cmdable) *RedisSink {
	return &RedisSink{rdb: rdb, channel: Channel}
}

// NotifyUser publishes ev addressed to userID. Callers treat failures as
// non-fatal.
func (s *RedisSink) NotifyUser(ctx context.Context, userID string, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(envelope{UserID: userID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if err := s.rdb.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	return nil
}
