package database

import (
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/smukkama/safety-engine/internal/domain"
)

// Column lists shared by the queries and the row scanners below
const (
	ruleColumns = `id, monitor_id, protected_id, name, kind, approval, armed,
		center_lat, center_lon, radius_meters, max_speed_kmh, inactivity_minutes,
		start_time, end_time, active_days, created_at, updated_at`

	alertColumns = `id, protected_id, rule_kind, status, lat, lon, reason, video_url, triggered_at`
)

// ruleRow mirrors a safety_rules row
type ruleRow struct {
	ID                string
	MonitorID         string
	ProtectedID       string
	Name              string
	Kind              string
	Approval          string
	Armed             bool
	CenterLat         sql.NullFloat64
	CenterLon         sql.NullFloat64
	RadiusMeters      sql.NullFloat64
	MaxSpeedKmh       sql.NullFloat64
	InactivityMinutes sql.NullInt64
	StartTime         string
	EndTime           string
	ActiveDays        pq.Int64Array
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func scanRule(s rowScanner) (*domain.SafetyRule, error) {
	var row ruleRow
	if err := s.Scan(
		&row.ID,
		&row.MonitorID,
		&row.ProtectedID,
		&row.Name,
		&row.Kind,
		&row.Approval,
		&row.Armed,
		&row.CenterLat,
		&row.CenterLon,
		&row.RadiusMeters,
		&row.MaxSpeedKmh,
		&row.InactivityMinutes,
		&row.StartTime,
		&row.EndTime,
		&row.ActiveDays,
		&row.CreatedAt,
		&row.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (row *ruleRow) toDomain() *domain.SafetyRule {
	r := &domain.SafetyRule{
		ID:                   row.ID,
		MonitorID:            row.MonitorID,
		ProtectedID:          row.ProtectedID,
		Name:                 row.Name,
		Kind:                 domain.RuleKind(row.Kind),
		Approval:             domain.ApprovalState(row.Approval),
		Armed:                row.Armed,
		GeofenceRadiusMeters: floatPtr(row.RadiusMeters),
		MaxSpeedKmh:          floatPtr(row.MaxSpeedKmh),
		StartTime:            row.StartTime,
		EndTime:              row.EndTime,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
	if row.CenterLat.Valid && row.CenterLon.Valid {
		r.GeofenceCenter = &domain.GeoPoint{Lat: row.CenterLat.Float64, Lon: row.CenterLon.Float64}
	}
	if row.InactivityMinutes.Valid {
		m := int(row.InactivityMinutes.Int64)
		r.InactivityMinutes = &m
	}
	for _, d := range row.ActiveDays {
		r.ActiveDays = append(r.ActiveDays, int(d))
	}
	return r
}

// ruleArgs returns the insert arguments for r in ruleColumns order,
// without the timestamps
func ruleArgs(r *domain.SafetyRule) []any {
	var lat, lon sql.NullFloat64
	if r.GeofenceCenter != nil {
		lat = sql.NullFloat64{Float64: r.GeofenceCenter.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: r.GeofenceCenter.Lon, Valid: true}
	}
	var minutes sql.NullInt64
	if r.InactivityMinutes != nil {
		minutes = sql.NullInt64{Int64: int64(*r.InactivityMinutes), Valid: true}
	}
	days := make(pq.Int64Array, 0, len(r.ActiveDays))
	for _, d := range r.ActiveDays {
		days = append(days, int64(d))
	}
	return []any{
		r.ID, r.MonitorID, r.ProtectedID, r.Name, string(r.Kind), string(r.Approval), r.Armed,
		lat, lon, nullFloat(r.GeofenceRadiusMeters), nullFloat(r.MaxSpeedKmh), minutes,
		r.StartTime, r.EndTime, days,
	}
}

func scanAlert(s rowScanner) (*domain.SafetyAlert, error) {
	var (
		a        domain.SafetyAlert
		kind     string
		status   string
		lat, lon sql.NullFloat64
		videoURL sql.NullString
	)
	if err := s.Scan(
		&a.ID,
		&a.ProtectedID,
		&kind,
		&status,
		&lat,
		&lon,
		&a.Reason,
		&videoURL,
		&a.Timestamp,
	); err != nil {
		return nil, err
	}
	a.RuleKind = domain.RuleKind(kind)
	a.Status = domain.AlertStatus(status)
	if lat.Valid && lon.Valid {
		a.Location = &domain.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	if videoURL.Valid {
		v := videoURL.String
		a.VideoURL = &v
	}
	return &a, nil
}
