package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/alert-service/internal/model"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store on the job_alerts, alert_listings and
// alert_notifications tables (see db/schema.sql).
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a Store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const alertColumns = `id::text, user_id::text, owner_email, owner_name, title, keywords, location,
	remote_only, salary_min, employment_types, is_active, last_checked_at,
	total_listings_found, total_notifications_sent, created_at`

func scanAlert(row pgx.Row) (model.Alert, error) {
	var a model.Alert
	err := row.Scan(
		&a.ID, &a.UserID, &a.Email, &a.Name, &a.Title, &a.Keywords, &a.Location,
		&a.RemoteOnly, &a.SalaryMin, &a.EmploymentTypes, &a.IsActive, &a.LastCheckedAt,
		&a.TotalListingsFound, &a.TotalNotificationsSent, &a.CreatedAt,
	)
	return a, err
}

// ActiveAlerts fetches all is_active = true alerts, oldest check first.
func (s *PostgresStore) ActiveAlerts(ctx context.Context) ([]model.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+`
		 FROM job_alerts
		 WHERE is_active = true
		 ORDER BY last_checked_at ASC NULLS FIRST, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query job_alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM job_alerts WHERE id = $1`, alertID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getAlert: %w", err)
	}
	return &a, nil
}

const listingColumns = `id::text, external_id, title, company, location, description,
	salary_min, salary_max, apply_url, contract_type, fetched_at`

func scanListing(row pgx.Row) (model.Listing, error) {
	var l model.Listing
	err := row.Scan(
		&l.ID, &l.ExternalID, &l.Title, &l.Company, &l.Location, &l.Description,
		&l.SalaryMin, &l.SalaryMax, &l.ApplyURL, &l.ContractType, &l.FetchedAt,
	)
	return l, err
}

// UpsertListing inserts when external_id is new and returns the canonical row.
// A concurrent insert of the same external_id can hide the winner from this
// statement's snapshot; the follow-up SELECT picks it up.
func (s *PostgresStore) UpsertListing(ctx context.Context, l model.Listing) (model.Listing, error) {
	got, err := scanListing(s.pool.QueryRow(ctx,
		`WITH ins AS (
		   INSERT INTO alert_listings (external_id, title, company, location, description,
		                               salary_min, salary_max, apply_url, contract_type, fetched_at)
		   VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		   ON CONFLICT (external_id) DO NOTHING
		   RETURNING `+listingColumns+`
		 )
		 SELECT * FROM ins
		 UNION ALL
		 SELECT `+listingColumns+` FROM alert_listings
		 WHERE external_id = $1 AND NOT EXISTS (SELECT 1 FROM ins)`,
		l.ExternalID, l.Title, l.Company, l.Location, l.Description,
		l.SalaryMin, l.SalaryMax, l.ApplyURL, l.ContractType, l.FetchedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		got, err = scanListing(s.pool.QueryRow(ctx,
			`SELECT `+listingColumns+` FROM alert_listings WHERE external_id = $1`, l.ExternalID))
	}
	if err != nil {
		return model.Listing{}, fmt.Errorf("upsert alert_listings: %w", err)
	}
	return got, nil
}

func (s *PostgresStore) NotificationExists(ctx context.Context, userID, listingID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM alert_notifications WHERE user_id = $1 AND listing_id = $2
		 )`,
		userID, listingID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("notification exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, rec model.NotificationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_notifications
		   (user_id, alert_id, listing_id, external_id, status, message_id, error, created_at)
		 VALUES ($1, $2, $3, $4, $5::notification_status, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		rec.UserID, rec.AlertID, rec.ListingID, rec.ExternalID,
		string(rec.Status), rec.MessageID, rec.Error, rec.CreatedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("notification (%s, %s): %w", rec.UserID, rec.ListingID, ErrUniqueViolation)
	}
	if err != nil {
		return fmt.Errorf("insert alert_notifications: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]model.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, user_id::text, alert_id::text, listing_id::text, external_id,
		        status::text, COALESCE(message_id, ''), COALESCE(error, ''), created_at
		 FROM alert_notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	records := make([]model.NotificationRecord, 0)
	for rows.Next() {
		var (
			rec    model.NotificationRecord
			status string
		)
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.AlertID, &rec.ListingID, &rec.ExternalID,
			&status, &rec.MessageID, &rec.Error, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		if rec.Status, err = model.ParseDeliveryStatus(status); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) TouchAlert(ctx context.Context, alertID string, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_alerts
		 SET last_checked_at = GREATEST(COALESCE(last_checked_at, $2), $2),
		     updated_at      = NOW()
		 WHERE id = $1`,
		alertID, checkedAt,
	)
	if err != nil {
		return fmt.Errorf("touch alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordAlertStats(ctx context.Context, alertID string, listingsFound, notificationsSent int, checkedAt time.Time) error {
	if listingsFound < 0 || notificationsSent < 0 {
		return fmt.Errorf("recordAlertStats: negative increment")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_alerts
		 SET total_listings_found     = total_listings_found + $2,
		     total_notifications_sent = total_notifications_sent + $3,
		     last_checked_at          = GREATEST(COALESCE(last_checked_at, $4), $4),
		     updated_at               = NOW()
		 WHERE id = $1`,
		alertID, listingsFound, notificationsSent, checkedAt,
	)
	if err != nil {
		return fmt.Errorf("record alert stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
