package model

import (
	"errors"
	"fmt"
	"strings"
)

// PayloadVersion is the current AlertPayload schema version.
const PayloadVersion = 1

// ErrInvalidPayload is returned when a queue payload fails schema validation.
// It is never retried.
var ErrInvalidPayload = errors.New("invalid alert payload")

// AlertPayload is the fixed schema carried by one queue item: "check this
// alert now". AlertID, UserID, Email and Title are required.
type AlertPayload struct {
	Version         int      `json:"version"`
	AlertID         string   `json:"alertId"`
	UserID          string   `json:"userId"`
	Email           string   `json:"email"`
	Name            string   `json:"name,omitempty"`
	Title           string   `json:"title"`
	Keywords        []string `json:"keywords,omitempty"`
	Location        string   `json:"location,omitempty"`
	RemoteOnly      bool     `json:"remoteOnly,omitempty"`
	EmploymentTypes []string `json:"employmentTypes,omitempty"`
}

// PayloadFromAlert builds the current-version payload for an alert.
func PayloadFromAlert(a Alert) AlertPayload {
	return AlertPayload{
		Version:         PayloadVersion,
		AlertID:         a.ID,
		UserID:          a.UserID,
		Email:           a.Email,
		Name:            a.Name,
		Title:           a.Title,
		Keywords:        a.Keywords,
		Location:        a.Location,
		RemoteOnly:      a.RemoteOnly,
		EmploymentTypes: a.EmploymentTypes,
	}
}

// Validate checks the payload against the schema for its version.
func (p AlertPayload) Validate() error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, p.Version)
	}
	var missing []string
	if p.AlertID == "" {
		missing = append(missing, "alertId")
	}
	if p.UserID == "" {
		missing = append(missing, "userId")
	}
	if p.Email == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(p.Title) == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}
