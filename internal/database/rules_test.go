package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/domain"
)

var ruleCols = []string{
	"id", "monitor_id", "protected_id", "name", "kind", "approval", "armed",
	"center_lat", "center_lon", "radius_meters", "max_speed_kmh", "inactivity_minutes",
	"start_time", "end_time", "active_days", "created_at", "updated_at",
}

var created = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *DB) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	return sqlDB, mock, New(sqlDB, zap.NewNop())
}

func TestSaveRule_ForcesPendingAndArmed(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	speed := 90.0
	rule := &domain.SafetyRule{
		MonitorID:   "monitor-1",
		ProtectedID: "protected-1",
		Name:        "Highway",
		Kind:        domain.RuleMaxSpeed,
		Approval:    domain.ApprovalActive,
		MaxSpeedKmh: &speed,
		StartTime:   "22:00",
		EndTime:     "06:00",
		ActiveDays:  []int{2, 3},
	}

	mock.ExpectQuery(`INSERT INTO safety_rules`).
		WithArgs(
			sqlmock.AnyArg(), "monitor-1", "protected-1", "Highway", "MAX_SPEED", "PENDING", true,
			nil, nil, nil, 90.0, nil,
			"22:00", "06:00", sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))

	require.NoError(t, db.SaveRule(context.Background(), rule))
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, domain.ApprovalPending, rule.Approval)
	assert.True(t, rule.Armed)
	assert.Equal(t, created, rule.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRule_RejectsInvalidRules(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()
	ctx := context.Background()

	// Speed rule without a limit
	err := db.SaveRule(ctx, &domain.SafetyRule{
		MonitorID: "m", ProtectedID: "p", Kind: domain.RuleMaxSpeed,
	})
	assert.ErrorIs(t, err, domain.ErrMissingParameters)

	// Malformed window
	err = db.SaveRule(ctx, &domain.SafetyRule{
		MonitorID: "m", ProtectedID: "p", Kind: domain.RuleFallDetection,
		StartTime: "25:00", EndTime: "06:00",
	})
	assert.Error(t, err)

	// No protected user
	err = db.SaveRule(ctx, &domain.SafetyRule{MonitorID: "m", Kind: domain.RulePanicButton})
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveRule(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	mock.ExpectExec(`UPDATE safety_rules`).
		WithArgs("ACTIVE", "rule-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE safety_rules`).
		WithArgs("ACTIVE", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.ApproveRule(context.Background(), "rule-1"))
	assert.ErrorIs(t, db.ApproveRule(context.Background(), "missing"), ErrRuleNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectAndRevokeDelete(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	mock.ExpectExec(`DELETE FROM safety_rules`).WithArgs("rule-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM safety_rules`).WithArgs("rule-2").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.RejectRule(context.Background(), "rule-1"))
	assert.ErrorIs(t, db.RevokeRule(context.Background(), "rule-2"), ErrRuleNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetArmed(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	mock.ExpectExec(`UPDATE safety_rules`).WithArgs(false, "rule-1").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.SetArmed(context.Background(), "rule-1", false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveRules_ScansNullableParameters(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	rows := sqlmock.NewRows(ruleCols).
		AddRow("rule-1", "m", "p", "Home", "GEOFENCING", "ACTIVE", true,
			38.7223, -9.1393, 100.0, nil, nil,
			"08:00", "20:00", "{2,3,4,5,6}", created, created).
		AddRow("rule-2", "m", "p", "Still", "INACTIVITY", "ACTIVE", false,
			nil, nil, nil, nil, int64(30),
			"", "", "{}", created, created)

	mock.ExpectQuery(`SELECT (.+) FROM safety_rules`).
		WithArgs("p", "ACTIVE").
		WillReturnRows(rows)

	rules, err := db.ActiveRules(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	geo := rules[0]
	assert.Equal(t, domain.RuleGeofence, geo.Kind)
	require.NotNil(t, geo.GeofenceCenter)
	assert.Equal(t, 38.7223, geo.GeofenceCenter.Lat)
	require.NotNil(t, geo.GeofenceRadiusMeters)
	assert.Equal(t, 100.0, *geo.GeofenceRadiusMeters)
	assert.Nil(t, geo.MaxSpeedKmh)
	assert.Equal(t, []int{2, 3, 4, 5, 6}, geo.ActiveDays)
	assert.NoError(t, geo.Validate())

	still := rules[1]
	assert.False(t, still.Armed)
	assert.Nil(t, still.GeofenceCenter)
	require.NotNil(t, still.InactivityMinutes)
	assert.Equal(t, 30, *still.InactivityMinutes)
	assert.Empty(t, still.ActiveDays)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRule_NotFound(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	mock.ExpectQuery(`SELECT (.+) FROM safety_rules`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(ruleCols))

	_, err := db.GetRule(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertGeofence_InheritsWindowFromOtherRule(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	existing := sqlmock.NewRows(ruleCols).
		AddRow("rule-speed", "m", "p", "Road", "MAX_SPEED", "ACTIVE", true,
			nil, nil, nil, 80.0, nil,
			"", "", "{}", created, created).
		AddRow("rule-fall", "m", "p", "Night", "FALL_DETECTION", "ACTIVE", true,
			nil, nil, nil, nil, nil,
			"22:00", "06:00", "{1,7}", created, created)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM safety_rules`).WithArgs("p").WillReturnRows(existing)
	mock.ExpectQuery(`INSERT INTO safety_rules`).
		WithArgs(
			sqlmock.AnyArg(), "m", "p", GeofenceRuleName, "GEOFENCING", "PENDING", true,
			40.0, -8.0, 250.0, nil, nil,
			"22:00", "06:00", sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))
	mock.ExpectCommit()

	rule, err := db.UpsertGeofence(context.Background(), "m", "p", domain.GeoPoint{Lat: 40, Lon: -8}, 250)
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, []int{1, 7}, rule.ActiveDays)
	assert.Equal(t, domain.ApprovalPending, rule.Approval)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertGeofence_ReplacesExisting(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	existing := sqlmock.NewRows(ruleCols).
		AddRow("rule-geo", "m", "p", "Safe Zone", "GEOFENCING", "ACTIVE", true,
			1.0, 2.0, 50.0, nil, nil,
			"09:00", "17:00", "{}", created, created)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM safety_rules`).WithArgs("p").WillReturnRows(existing)
	mock.ExpectQuery(`INSERT INTO safety_rules`).
		WithArgs(
			"rule-geo", "m", "p", GeofenceRuleName, "GEOFENCING", "PENDING", true,
			3.0, 4.0, 75.0, nil, nil,
			"09:00", "17:00", sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))
	mock.ExpectCommit()

	rule, err := db.UpsertGeofence(context.Background(), "m", "p", domain.GeoPoint{Lat: 3, Lon: 4}, 75)
	require.NoError(t, err)
	assert.Equal(t, "rule-geo", rule.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertGeofence_RollsBackOnFailure(t *testing.T) {
	sqlDB, mock, db := setupMockDB(t)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM safety_rules`).WithArgs("p").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := db.UpsertGeofence(context.Background(), "m", "p", domain.GeoPoint{}, 10)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
