package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/smukkama/safety-engine/internal/domain"
)

// DefaultHistoryLimit caps the alert history of one protected user
const DefaultHistoryLimit = 50

// CreateAlert inserts a new alert record
func (db *DB) CreateAlert(ctx context.Context, a *domain.SafetyAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	var lat, lon sql.NullFloat64
	if a.Location != nil {
		lat = sql.NullFloat64{Float64: a.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: a.Location.Lon, Valid: true}
	}
	var videoURL sql.NullString
	if a.VideoURL != nil {
		videoURL = sql.NullString{String: *a.VideoURL, Valid: true}
	}

	query := `
		INSERT INTO safety_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := db.ExecContext(ctx, query,
		a.ID,
		a.ProtectedID,
		string(a.RuleKind),
		string(a.Status),
		lat,
		lon,
		a.Reason,
		videoURL,
		a.Timestamp,
	)
	return err
}

// UpdateVideoURL attaches the evidence video to an alert
func (db *DB) UpdateVideoURL(ctx context.Context, alertID, url string) error {
	res, err := db.ExecContext(ctx, `UPDATE safety_alerts SET video_url = $1 WHERE id = $2`, url, alertID)
	if err != nil {
		return err
	}
	return affectedOne(res, ErrAlertNotFound)
}

// UpdateStatus moves an alert to another status
func (db *DB) UpdateStatus(ctx context.Context, alertID string, status domain.AlertStatus) error {
	res, err := db.ExecContext(ctx, `UPDATE safety_alerts SET status = $1 WHERE id = $2`, string(status), alertID)
	if err != nil {
		return err
	}
	return affectedOne(res, ErrAlertNotFound)
}

// ResolveAlert marks an alert as handled by a Monitor
func (db *DB) ResolveAlert(ctx context.Context, alertID string) error {
	return db.UpdateStatus(ctx, alertID, domain.AlertResolved)
}

// GetAlert retrieves an alert by id
func (db *DB) GetAlert(ctx context.Context, alertID string) (*domain.SafetyAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM safety_alerts WHERE id = $1`
	a, err := scanAlert(db.QueryRowContext(ctx, query, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return a, err
}

// AlertHistory returns the latest non-canceled alerts of a protected user,
// newest first
func (db *DB) AlertHistory(ctx context.Context, protectedID string, limit int) ([]*domain.SafetyAlert, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := `SELECT ` + alertColumns + `
		FROM safety_alerts
		WHERE protected_id = $1 AND status <> $2
		ORDER BY triggered_at DESC
		LIMIT $3`
	return db.queryAlerts(ctx, query, protectedID, string(domain.AlertCanceled), limit)
}

// AlertsForProtected returns the non-canceled alerts of several protected
// users, newest first. This is the Monitor's feed.
func (db *DB) AlertsForProtected(ctx context.Context, protectedIDs []string, limit int) ([]*domain.SafetyAlert, error) {
	if len(protectedIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := `SELECT ` + alertColumns + `
		FROM safety_alerts
		WHERE protected_id = ANY($1) AND status <> $2
		ORDER BY triggered_at DESC
		LIMIT $3`
	return db.queryAlerts(ctx, query, pq.Array(protectedIDs), string(domain.AlertCanceled), limit)
}

func (db *DB) queryAlerts(ctx context.Context, query string, args ...any) ([]*domain.SafetyAlert, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.SafetyAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
