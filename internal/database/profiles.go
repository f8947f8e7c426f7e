package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/smukkama/safety-engine/internal/domain"
)

// CancelPIN returns the user's cancel PIN, or the default when none was set
func (db *DB) CancelPIN(ctx context.Context, userID string) (string, error) {
	var pin sql.NullString
	err := db.QueryRowContext(ctx, `SELECT cancel_pin FROM user_profiles WHERE id = $1`, userID).Scan(&pin)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProfileNotFound
	}
	if err != nil {
		return "", err
	}
	if !pin.Valid || pin.String == "" {
		return domain.DefaultCancelPIN, nil
	}
	return pin.String, nil
}

// UpdateCancelPIN stores a new 4-digit cancel PIN
func (db *DB) UpdateCancelPIN(ctx context.Context, userID, pin string) error {
	if err := domain.ValidatePIN(pin); err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE user_profiles SET cancel_pin = $1 WHERE id = $2`, pin, userID)
	if err != nil {
		return err
	}
	return affectedOne(res, ErrProfileNotFound)
}

// UpdateLastLocation records the latest known position of a user
func (db *DB) UpdateLastLocation(ctx context.Context, userID string, p domain.GeoPoint, at time.Time) error {
	query := `
		UPDATE user_profiles
		SET last_lat = $1, last_lon = $2, last_location_at = $3
		WHERE id = $4 AND (last_location_at IS NULL OR last_location_at <= $3)
	`
	_, err := db.ExecContext(ctx, query, p.Lat, p.Lon, at, userID)
	return err
}

// LastLocation returns the latest known position of a user; nil when never
// reported
func (db *DB) LastLocation(ctx context.Context, userID string) (*domain.GeoPoint, time.Time, error) {
	var (
		lat, lon sql.NullFloat64
		at       sql.NullTime
	)
	query := `SELECT last_lat, last_lon, last_location_at FROM user_profiles WHERE id = $1`
	err := db.QueryRowContext(ctx, query, userID).Scan(&lat, &lon, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrProfileNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	if !lat.Valid || !lon.Valid {
		return nil, time.Time{}, nil
	}
	return &domain.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}, at.Time, nil
}

// GetProfile retrieves a user profile with its associations
func (db *DB) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	query := `
		SELECT p.id, p.email, p.phone, p.name, p.cancel_pin, p.last_lat, p.last_lon,
		       ARRAY(SELECT monitor_id FROM associations WHERE protected_id = p.id ORDER BY monitor_id),
		       ARRAY(SELECT protected_id FROM associations WHERE monitor_id = p.id ORDER BY protected_id)
		FROM user_profiles p
		WHERE p.id = $1
	`
	var (
		p          domain.UserProfile
		pin        sql.NullString
		lat, lon   sql.NullFloat64
		monitorIDs pq.StringArray
		protected  pq.StringArray
	)
	err := db.QueryRowContext(ctx, query, userID).Scan(
		&p.ID, &p.Email, &p.Phone, &p.Name, &pin, &lat, &lon, &monitorIDs, &protected,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	p.CancelPIN = domain.DefaultCancelPIN
	if pin.Valid && pin.String != "" {
		p.CancelPIN = pin.String
	}
	if lat.Valid && lon.Valid {
		p.LastLocation = &domain.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	p.MonitorIDs = []string(monitorIDs)
	p.ProtectedIDs = []string(protected)
	return &p, nil
}

// Associate links a Monitor to a Protected user
func (db *DB) Associate(ctx context.Context, monitorID, protectedID string) error {
	query := `
		INSERT INTO associations (monitor_id, protected_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	_, err := db.ExecContext(ctx, query, monitorID, protectedID)
	return err
}

// Disassociate removes the link between a Monitor and a Protected user
func (db *DB) Disassociate(ctx context.Context, monitorID, protectedID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM associations WHERE monitor_id = $1 AND protected_id = $2`,
		monitorID, protectedID)
	return err
}

// MonitorEmails returns the e-mail addresses of the Monitors of a protected
// user
func (db *DB) MonitorEmails(ctx context.Context, protectedID string) ([]string, error) {
	query := `
		SELECT p.email
		FROM associations a
		JOIN user_profiles p ON p.id = a.monitor_id
		WHERE a.protected_id = $1 AND p.email <> ''
		ORDER BY p.email
	`
	return db.queryStrings(ctx, query, protectedID)
}

// MonitorPhones returns the phone numbers of the Monitors of a protected
// user
func (db *DB) MonitorPhones(ctx context.Context, protectedID string) ([]string, error) {
	query := `
		SELECT p.phone
		FROM associations a
		JOIN user_profiles p ON p.id = a.monitor_id
		WHERE a.protected_id = $1 AND p.phone <> ''
		ORDER BY p.phone
	`
	return db.queryStrings(ctx, query, protectedID)
}

func (db *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
