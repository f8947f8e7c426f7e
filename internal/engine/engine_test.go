package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/alerting"
	"github.com/smukkama/safety-engine/internal/alerting/alertingtest"
	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/geo"
)

const user = "protected-1"

// Sunday 09:00 UTC
var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

var home = domain.GeoPoint{Lat: 40.2033, Lon: -8.4103}

type fakeRules struct {
	mu    sync.Mutex
	rules []*domain.SafetyRule
	err   error
	calls int
}

func (f *fakeRules) ActiveRules(context.Context, string) ([]*domain.SafetyRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.rules, f.err
}

type fixture struct {
	e         *Engine
	rules     *fakeRules
	store     *alertingtest.MemoryStore
	scheduler *alertingtest.ManualScheduler
	clock     *alertingtest.Clock
}

func newFixture(t *testing.T, rules ...*domain.SafetyRule) *fixture {
	t.Helper()
	f := &fixture{
		rules:     &fakeRules{rules: rules},
		store:     alertingtest.NewMemoryStore(),
		scheduler: alertingtest.NewManualScheduler(),
		clock:     alertingtest.NewClock(t0),
	}
	alerts := alerting.NewManager(user, alerting.Config{}, alerting.Deps{
		Store:     f.store,
		Pins:      alertingtest.StaticPins{user: "0000"},
		Scheduler: f.scheduler,
		Logger:    zap.NewNop(),
		Clock:     f.clock.Now,
		NewID:     alertingtest.SequentialIDs("alert"),
	})
	f.e = New(user, Config{MovementThreshold: 50}, f.rules, alerts, Deps{
		Logger: zap.NewNop(),
		Clock:  f.clock.Now,
	})
	return f
}

func rule(id string, kind domain.RuleKind) *domain.SafetyRule {
	return &domain.SafetyRule{
		ID:          id,
		Name:        id,
		ProtectedID: user,
		Kind:        kind,
		Approval:    domain.ApprovalActive,
		Armed:       true,
	}
}

func speedRule(limit float64) *domain.SafetyRule {
	r := rule("speed", domain.RuleMaxSpeed)
	r.MaxSpeedKmh = &limit
	return r
}

func geofenceRule(radius float64) *domain.SafetyRule {
	r := rule("Home", domain.RuleGeofence)
	center := home
	r.GeofenceCenter = &center
	r.GeofenceRadiusMeters = &radius
	return r
}

func inactivityRule(minutes int) *domain.SafetyRule {
	r := rule("still", domain.RuleInactivity)
	r.InactivityMinutes = &minutes
	return r
}

func sample(p domain.GeoPoint, mps float64, at time.Time) domain.LocationSample {
	return domain.LocationSample{Position: p, SpeedMps: mps, Timestamp: at}
}

func TestEngine_SpeedingScenario(t *testing.T) {
	f := newFixture(t, speedRule(80))
	ctx := context.Background()

	out := f.e.HandleLocation(ctx, sample(home, 25, t0))
	require.True(t, out.Triggered)
	require.NotNil(t, out.Violation)
	assert.Equal(t, "speeding: 90.0 km/h", out.Violation.Reason)
	assert.Equal(t, alerting.StateCountdownPending, f.e.Snapshot().State)

	res, err := f.e.Cancel(ctx, "1234")
	require.NoError(t, err)
	assert.Equal(t, alerting.CancelRejected, res)

	res, err = f.e.Cancel(ctx, "0000")
	require.NoError(t, err)
	assert.Equal(t, alerting.CancelAccepted, res)

	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertCanceled, alerts[0].Status)
	assert.Equal(t, domain.RuleMaxSpeed, alerts[0].RuleKind)
}

func TestEngine_NoViolation(t *testing.T) {
	f := newFixture(t, speedRule(80), geofenceRule(100))

	out := f.e.HandleLocation(context.Background(), sample(geo.Destination(home, 0, 50), 10, t0))
	assert.Nil(t, out.Violation)
	assert.False(t, out.Triggered)
	assert.Empty(t, f.scheduler.Pending())
}

func TestEngine_GeofenceBeforeSpeed(t *testing.T) {
	// Store order lists the speed rule first; kind priority still wins
	f := newFixture(t, speedRule(80), geofenceRule(100))

	out := f.e.HandleLocation(context.Background(), sample(geo.Destination(home, 0, 500), 30, t0))
	require.True(t, out.Triggered)
	assert.Equal(t, domain.RuleGeofence, out.Violation.Kind)
	assert.Equal(t, "left safe zone: Home", out.Violation.Reason)
}

func TestEngine_LocationRulesGatedWhileActive(t *testing.T) {
	f := newFixture(t, speedRule(80))
	ctx := context.Background()

	require.True(t, f.e.Panic(ctx).Triggered)

	out := f.e.HandleLocation(ctx, sample(home, 40, t0.Add(time.Second)))
	assert.Nil(t, out.Violation)
	assert.Equal(t, "panic button pressed", f.e.Snapshot().Reason)

	// Movement tracking continues while the alert is in flight
	moved := t0.Add(2 * time.Second)
	f.e.HandleLocation(ctx, sample(geo.Destination(home, 0, 200), 0, moved))
	assert.Equal(t, moved, f.e.LastMovement())
}

func TestEngine_Inactivity(t *testing.T) {
	f := newFixture(t, inactivityRule(30))
	ctx := context.Background()

	f.e.HandleLocation(ctx, sample(home, 0, t0))
	out := f.e.HandleLocation(ctx, sample(geo.Destination(home, 0, 20), 0, t0.Add(29*time.Minute)))
	assert.Nil(t, out.Violation)

	fired := t0.Add(30 * time.Minute)
	out = f.e.HandleLocation(ctx, sample(geo.Destination(home, 0, 40), 0, fired))
	require.True(t, out.Triggered)
	assert.Equal(t, domain.RuleInactivity, out.Violation.Kind)
	assert.Equal(t, "inactivity: 30 min without movement", out.Violation.Reason)
	assert.Equal(t, fired, f.e.LastMovement())
}

func TestEngine_InactivityResetsEvenWhenSuppressed(t *testing.T) {
	f := newFixture(t, inactivityRule(5))
	ctx := context.Background()

	require.True(t, f.e.Panic(ctx).Triggered)

	at := t0.Add(6 * time.Minute)
	out := f.e.HandleLocation(ctx, sample(home, 0, at))
	require.NotNil(t, out.Violation)
	assert.False(t, out.Triggered)
	assert.Equal(t, at, f.e.LastMovement())
	assert.Equal(t, domain.RulePanicButton, f.e.Snapshot().Kind)
}

func TestEngine_InactivityBeforeGeofence(t *testing.T) {
	f := newFixture(t, geofenceRule(100), inactivityRule(10))

	out := f.e.HandleLocation(context.Background(), sample(geo.Destination(home, 0, 500), 0, t0.Add(15*time.Minute)))
	require.True(t, out.Triggered)
	assert.Equal(t, domain.RuleInactivity, out.Violation.Kind)
}

func TestEngine_WindowsAndSkippedRules(t *testing.T) {
	outside := speedRule(80)
	outside.StartTime, outside.EndTime = "22:00", "06:00"

	broken := rule("broken", domain.RuleGeofence)

	f := newFixture(t, outside, broken)
	out := f.e.HandleLocation(context.Background(), sample(home, 30, t0))
	assert.Nil(t, out.Violation)

	malformed := speedRule(80)
	malformed.StartTime, malformed.EndTime = "9am", "5pm"
	g := newFixture(t, malformed)
	out = g.e.HandleLocation(context.Background(), sample(home, 30, t0))
	assert.True(t, out.Triggered)
}

func TestEngine_TimeZone(t *testing.T) {
	farEast := time.FixedZone("UTC+14", 14*60*60)
	r := speedRule(80)
	r.ActiveDays = []int{2} // Monday only

	f := newFixture(t, r)
	f.e.cfg.TimeZone = farEast

	// Sunday 09:00 UTC is Sunday 23:00 at UTC+14
	out := f.e.HandleLocation(context.Background(), sample(home, 30, t0))
	assert.Nil(t, out.Violation)

	// Sunday 10:00 UTC is already Monday at UTC+14
	out = f.e.HandleLocation(context.Background(), sample(home, 30, t0.Add(time.Hour)))
	assert.True(t, out.Triggered)
}

func TestEngine_SensorEvents(t *testing.T) {
	fall := rule("Night walk", domain.RuleFallDetection)
	f := newFixture(t, fall)
	ctx := context.Background()

	out := f.e.HandleSensorEvent(ctx, domain.RuleFallDetection, t0)
	require.True(t, out.Triggered)
	assert.Equal(t, "fall detected (Night walk)", out.Violation.Reason)

	// A second event while the countdown runs is a no-op
	out = f.e.HandleSensorEvent(ctx, domain.RuleAccident, t0)
	assert.False(t, out.Triggered)
	assert.Equal(t, "accident detected (test)", out.Violation.Reason)
}

func TestEngine_MotionDetector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Nil(t, f.e.HandleMotion(ctx, 0, 0, 9.8, t0).Violation)

	out := f.e.HandleMotion(ctx, 40, 30, 0, t0)
	require.True(t, out.Triggered)
	assert.Equal(t, domain.RuleAccident, out.Violation.Kind)
	assert.True(t, out.Violation.Test)

	// Same impact within the cooldown is dropped by the detector
	assert.Nil(t, f.e.HandleMotion(ctx, 40, 30, 0, t0.Add(time.Second)).Violation)
}

func TestEngine_PanicOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.e.HandleLocation(ctx, sample(home, 0, t0))
	out := f.e.Panic(ctx)
	require.True(t, out.Triggered)
	assert.False(t, f.e.Panic(ctx).Triggered)

	f.scheduler.FireAll()
	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.RulePanicButton, alerts[0].RuleKind)
	require.NotNil(t, alerts[0].Location)
	assert.Equal(t, home, *alerts[0].Location)

	attached, err := f.e.AttachVideo(ctx, "https://cdn/v.mp4")
	require.NoError(t, err)
	assert.True(t, attached)
}

func TestEngine_RuleCache(t *testing.T) {
	f := newFixture(t, speedRule(80))
	ctx := context.Background()

	f.e.HandleLocation(ctx, sample(home, 0, t0))
	f.e.HandleLocation(ctx, sample(home, 0, t0))
	assert.Equal(t, 1, f.rules.calls)

	f.clock.Advance(DefaultRuleCacheValidity)
	f.e.HandleLocation(ctx, sample(home, 0, t0))
	assert.Equal(t, 2, f.rules.calls)

	f.e.InvalidateRules()
	f.rules.err = errors.New("db down")
	out := f.e.HandleLocation(ctx, sample(home, 30, t0))
	assert.Equal(t, 3, f.rules.calls)
	assert.True(t, out.Triggered, "stale rules stay in force")
}

func TestEngine_Reset(t *testing.T) {
	f := newFixture(t, speedRule(80))
	ctx := context.Background()

	require.True(t, f.e.HandleLocation(ctx, sample(home, 30, t0)).Triggered)
	f.scheduler.FireAll()
	require.Equal(t, alerting.StateEscalated, f.e.Snapshot().State)

	f.clock.Advance(time.Hour)
	f.e.Reset()

	snap := f.e.Snapshot()
	assert.Equal(t, alerting.StateIdle, snap.State)
	assert.Empty(t, snap.CurrentAlertID)
	assert.Equal(t, t0.Add(time.Hour), f.e.LastMovement())

	attached, err := f.e.AttachVideo(ctx, "https://cdn/late.mp4")
	require.NoError(t, err)
	assert.False(t, attached)

	assert.True(t, f.e.HandleLocation(ctx, sample(home, 30, t0.Add(time.Hour))).Triggered)
}
