// Package model defines shared data structures for the alert service.
package model

import "time"

// Alert mirrors the job_alerts table: a user's saved search plus the
// bookkeeping the processor maintains. The engine never deletes alerts.
type Alert struct {
	ID              string
	UserID          string
	Email           string
	Name            string // owner display name used in the digest greeting
	Title           string
	Keywords        []string
	Location        string
	RemoteOnly      bool
	SalaryMin       *int
	EmploymentTypes []string
	IsActive        bool

	LastCheckedAt          *time.Time
	TotalListingsFound     int
	TotalNotificationsSent int
	CreatedAt              time.Time
}

// Listing is a normalised offer fetched from the job-search provider.
// Rows are immutable once cached; ExternalID is unique.
type Listing struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"externalId"`
	Title        string    `json:"title"`
	Company      string    `json:"company"`
	Location     string    `json:"location"`
	Description  string    `json:"description,omitempty"`
	SalaryMin    float64   `json:"salaryMin,omitempty"`
	SalaryMax    float64   `json:"salaryMax,omitempty"`
	ApplyURL     string    `json:"applyUrl"`
	ContractType string    `json:"contractType,omitempty"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

// NotificationRecord is one row of the dedup ledger. (UserID, ListingID) is
// unique: a user is told about a listing at most once.
type NotificationRecord struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	AlertID    string         `json:"alertId"`
	ListingID  string         `json:"listingId"`
	ExternalID string         `json:"externalId"`
	Status     DeliveryStatus `json:"status"`
	MessageID  string         `json:"messageId,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
