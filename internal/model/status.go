package model

import "fmt"

// DeliveryStatus values mirror the notification_status enum in PostgreSQL.
// The service only ever writes SENT or FAILED, and both count as "already
// notified". PENDING exists in the enum for rows written by other tools.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// ParseDeliveryStatus converts a raw string to a DeliveryStatus, returning an
// error for unknown values.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(s)
	switch st {
	case StatusPending, StatusSent, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown delivery status %q", s)
}
