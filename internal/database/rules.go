package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/window"
)

// GeofenceRuleName is the name given to geofences drawn on the map
const GeofenceRuleName = "Safe Zone"

const upsertRuleQuery = `
	INSERT INTO safety_rules (
		id, monitor_id, protected_id, name, kind, approval, armed,
		center_lat, center_lon, radius_meters, max_speed_kmh, inactivity_minutes,
		start_time, end_time, active_days
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE
	SET monitor_id = EXCLUDED.monitor_id,
	    protected_id = EXCLUDED.protected_id,
	    name = EXCLUDED.name,
	    kind = EXCLUDED.kind,
	    approval = EXCLUDED.approval,
	    armed = EXCLUDED.armed,
	    center_lat = EXCLUDED.center_lat,
	    center_lon = EXCLUDED.center_lon,
	    radius_meters = EXCLUDED.radius_meters,
	    max_speed_kmh = EXCLUDED.max_speed_kmh,
	    inactivity_minutes = EXCLUDED.inactivity_minutes,
	    start_time = EXCLUDED.start_time,
	    end_time = EXCLUDED.end_time,
	    active_days = EXCLUDED.active_days,
	    updated_at = CURRENT_TIMESTAMP
	RETURNING created_at, updated_at
`

// SaveRule creates or replaces a rule proposed by a Monitor. The rule always
// re-enters approval, so an edited rule must be approved again.
func (db *DB) SaveRule(ctx context.Context, r *domain.SafetyRule) error {
	return saveRule(ctx, db.DB, r)
}

func saveRule(ctx context.Context, q queryRower, r *domain.SafetyRule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := window.Validate(r); err != nil {
		return fmt.Errorf("invalid rule window: %w", err)
	}
	if r.ProtectedID == "" || r.MonitorID == "" {
		return fmt.Errorf("invalid rule: monitor and protected user are required")
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Approval = domain.ApprovalPending
	r.Armed = true

	return q.QueryRowContext(ctx, upsertRuleQuery, ruleArgs(r)...).Scan(&r.CreatedAt, &r.UpdatedAt)
}

// ApproveRule activates a pending rule
func (db *DB) ApproveRule(ctx context.Context, ruleID string) error {
	query := `
		UPDATE safety_rules
		SET approval = $1, armed = true, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`
	res, err := db.ExecContext(ctx, query, string(domain.ApprovalActive), ruleID)
	if err != nil {
		return err
	}
	return affectedOne(res, ErrRuleNotFound)
}

// RejectRule discards a rule the Protected user declined
func (db *DB) RejectRule(ctx context.Context, ruleID string) error {
	return db.deleteRule(ctx, ruleID)
}

// RevokeRule removes a rule the Protected user no longer accepts
func (db *DB) RevokeRule(ctx context.Context, ruleID string) error {
	return db.deleteRule(ctx, ruleID)
}

func (db *DB) deleteRule(ctx context.Context, ruleID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM safety_rules WHERE id = $1`, ruleID)
	if err != nil {
		return err
	}
	return affectedOne(res, ErrRuleNotFound)
}

// SetArmed switches a rule on or off without touching its approval
func (db *DB) SetArmed(ctx context.Context, ruleID string, armed bool) error {
	query := `
		UPDATE safety_rules
		SET armed = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`
	res, err := db.ExecContext(ctx, query, armed, ruleID)
	if err != nil {
		return err
	}
	return affectedOne(res, ErrRuleNotFound)
}

// GetRule retrieves a rule by id
func (db *DB) GetRule(ctx context.Context, ruleID string) (*domain.SafetyRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM safety_rules WHERE id = $1`
	r, err := scanRule(db.QueryRowContext(ctx, query, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

// ActiveRules returns the approved rules of a protected user in creation order
func (db *DB) ActiveRules(ctx context.Context, protectedID string) ([]*domain.SafetyRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM safety_rules
		WHERE protected_id = $1 AND approval = $2
		ORDER BY created_at, id`
	return db.queryRules(ctx, query, protectedID, string(domain.ApprovalActive))
}

// PendingRules returns the rules awaiting the Protected user's answer
func (db *DB) PendingRules(ctx context.Context, protectedID string) ([]*domain.SafetyRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM safety_rules
		WHERE protected_id = $1 AND approval = $2
		ORDER BY created_at, id`
	return db.queryRules(ctx, query, protectedID, string(domain.ApprovalPending))
}

// RulesForProtected returns every rule of a protected user, in any state
func (db *DB) RulesForProtected(ctx context.Context, protectedID string) ([]*domain.SafetyRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM safety_rules
		WHERE protected_id = $1
		ORDER BY created_at, id`
	return db.queryRules(ctx, query, protectedID)
}

func (db *DB) queryRules(ctx context.Context, query string, args ...any) ([]*domain.SafetyRule, error) {
	return queryRules(ctx, db.DB, query, args...)
}

func queryRules(ctx context.Context, q queryRower, query string, args ...any) ([]*domain.SafetyRule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.SafetyRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpsertGeofence replaces the geofence a Monitor drew for a protected user.
// A new geofence inherits the time window of the previous one or, failing
// that, of the first windowed rule of the protected user.
func (db *DB) UpsertGeofence(ctx context.Context, monitorID, protectedID string, center domain.GeoPoint, radiusMeters float64) (*domain.SafetyRule, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := queryRules(ctx, tx, `SELECT `+ruleColumns+`
		FROM safety_rules
		WHERE protected_id = $1
		ORDER BY created_at, id
		FOR UPDATE`, protectedID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	radius := radiusMeters
	rule := &domain.SafetyRule{
		MonitorID:            monitorID,
		ProtectedID:          protectedID,
		Name:                 GeofenceRuleName,
		Kind:                 domain.RuleGeofence,
		GeofenceCenter:       &center,
		GeofenceRadiusMeters: &radius,
	}

	var previous *domain.SafetyRule
	for _, r := range existing {
		if r.Kind == domain.RuleGeofence {
			previous = r
			break
		}
	}
	if previous != nil {
		rule.ID = previous.ID
	}

	source := previous
	if source == nil || !source.HasWindow() {
		source = nil
		for _, r := range existing {
			if r.HasWindow() {
				source = r
				break
			}
		}
	}
	if source != nil {
		rule.StartTime = source.StartTime
		rule.EndTime = source.EndTime
		rule.ActiveDays = append([]int(nil), source.ActiveDays...)
	}

	if err := saveRule(ctx, tx, rule); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit geofence: %w", err)
	}

	db.logger.Info("geofence saved",
		zap.String("rule_id", rule.ID),
		zap.String("protected_id", protectedID),
		zap.Float64("radius_m", radiusMeters))
	return rule, nil
}
