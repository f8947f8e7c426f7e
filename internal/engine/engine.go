// Package engine evaluates a protected user's safety rules against the
// device's location and sensor stream and drives the alert lifecycle.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/alerting"
	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/inactivity"
	"github.com/smukkama/safety-engine/internal/matcher"
	"github.com/smukkama/safety-engine/internal/metrics"
	"github.com/smukkama/safety-engine/internal/motion"
	"github.com/smukkama/safety-engine/internal/window"
)

const DefaultRuleCacheValidity = time.Minute

// RuleSource loads the approved rules of a protected user
type RuleSource interface {
	ActiveRules(ctx context.Context, protectedID string) ([]*domain.SafetyRule, error)
}

// Config tunes an engine
type Config struct {
	MovementThreshold float64
	RuleCacheValidity time.Duration
	// TimeZone is used for rule windows and active days
	TimeZone *time.Location
	Motion   motion.Thresholds
}

// Deps are optional collaborators
type Deps struct {
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Outcome reports what an event did
type Outcome struct {
	// Violation is the first rule broken by the event, nil if none
	Violation *matcher.Violation
	// Triggered is true when the violation started a countdown
	Triggered bool
}

// locationOrder is the priority of location-driven rules after inactivity
var locationOrder = []domain.RuleKind{domain.RuleGeofence, domain.RuleMaxSpeed}

// Engine is the rule orchestrator of one protected user. Every entry point
// takes the engine lock, so events are evaluated one at a time.
type Engine struct {
	mu       sync.Mutex
	userID   string
	cfg      Config
	rules    RuleSource
	alerts   *alerting.Manager
	tracker  *inactivity.Tracker
	detector *motion.Detector
	geofence matcher.Geofence
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time

	ruleCache     []*domain.SafetyRule
	cacheLoadedAt time.Time
}

// New creates an engine whose session starts now
func New(userID string, cfg Config, rules RuleSource, alerts *alerting.Manager, deps Deps) *Engine {
	if cfg.RuleCacheValidity <= 0 {
		cfg.RuleCacheValidity = DefaultRuleCacheValidity
	}
	if cfg.TimeZone == nil {
		cfg.TimeZone = time.UTC
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Engine{
		userID:   userID,
		cfg:      cfg,
		rules:    rules,
		alerts:   alerts,
		tracker:  inactivity.NewTracker(cfg.MovementThreshold, deps.Clock()),
		detector: motion.NewDetector(cfg.Motion),
		geofence: matcher.NewGeofence(),
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(zap.String("protected_id", userID)),
		clock:    deps.Clock,
	}
}

// UserID returns the protected user this engine serves
func (e *Engine) UserID() string {
	return e.userID
}

// HandleLocation evaluates one location sample. Inactivity is checked on
// every sample; geofence and speed rules only while no alert is in flight.
func (e *Engine) HandleLocation(ctx context.Context, s domain.LocationSample) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.eventTime(s.Timestamp)
	e.metrics.Sample("location")
	e.tracker.Observe(s.Position, now)

	rules := e.armedRules(ctx, now)
	pos := s.Position

	inactive := e.tracker.InactiveMinutes(now)
	for _, r := range rules {
		if r.Kind != domain.RuleInactivity {
			continue
		}
		if v, ok := matcher.Inactivity(r, inactive); ok {
			// Restart the clock even when the trigger is suppressed so a
			// long stillness does not re-fire on every sample
			e.tracker.MarkFired(now)
			return e.trigger(v, &pos)
		}
	}

	if e.alerts.IsAlertActive() {
		return Outcome{}
	}

	for _, kind := range locationOrder {
		for _, r := range rules {
			if r.Kind != kind {
				continue
			}
			var (
				v  matcher.Violation
				ok bool
			)
			switch kind {
			case domain.RuleGeofence:
				v, ok = e.geofence.Match(r, s)
			case domain.RuleMaxSpeed:
				v, ok = matcher.Speed(r, s)
			}
			if ok {
				return e.trigger(v, &pos)
			}
		}
	}

	return Outcome{}
}

// HandleMotion feeds an accelerometer reading to the fall detector
func (e *Engine) HandleMotion(ctx context.Context, x, y, z float64, at time.Time) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.eventTime(at)
	e.metrics.Sample("motion")

	ev, ok := e.detector.Observe(x, y, z, now)
	if !ok {
		return Outcome{}
	}
	e.logger.Info("impact detected",
		zap.String("kind", string(ev.Kind)),
		zap.Float64("magnitude", ev.Magnitude))

	return e.sensorEvent(ctx, ev.Kind, now)
}

// HandleSensorEvent raises a fall or accident reported by the device
func (e *Engine) HandleSensorEvent(ctx context.Context, kind domain.RuleKind, at time.Time) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.Sample("sensor")
	return e.sensorEvent(ctx, kind, e.eventTime(at))
}

func (e *Engine) sensorEvent(ctx context.Context, kind domain.RuleKind, now time.Time) Outcome {
	rules := e.activeRules(ctx)
	local := now.In(e.cfg.TimeZone)
	v := matcher.SensorEvent(kind, rules, func(r *domain.SafetyRule) bool {
		return e.isArmed(r, local)
	})
	return e.trigger(v, e.lastPosition())
}

// Panic raises the panic button; no rule is required
func (e *Engine) Panic(ctx context.Context) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.Sample("panic")
	return e.trigger(matcher.Panic(), e.lastPosition())
}

// Cancel forwards a PIN to the alert manager
func (e *Engine) Cancel(ctx context.Context, pin string) (alerting.CancelResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.Sample("cancel")
	return e.alerts.Cancel(ctx, pin)
}

// AttachVideo attaches an uploaded video to the escalated alert
func (e *Engine) AttachVideo(ctx context.Context, url string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.Sample("video")
	return e.alerts.AttachVideo(ctx, url)
}

// Reset returns the session to its signed-in initial state
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.alerts.Reset()
	e.resetTrackingLocked()
}

// ResetIfIdle resets the engine unless an alert is in flight. It reports
// whether the reset happened.
func (e *Engine) ResetIfIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.alerts.ResetIfIdle() {
		return false
	}
	e.resetTrackingLocked()
	return true
}

func (e *Engine) resetTrackingLocked() {
	e.tracker.Reset(e.clock())
	e.detector.Reset()
	e.ruleCache = nil
	e.cacheLoadedAt = time.Time{}
}

// InvalidateRules forces the next event to reload rules
func (e *Engine) InvalidateRules() {
	e.mu.Lock()
	e.cacheLoadedAt = time.Time{}
	e.mu.Unlock()
}

// Snapshot returns the alert state of the session
func (e *Engine) Snapshot() alerting.Snapshot {
	return e.alerts.Snapshot()
}

// LastMovement returns when the user last moved
func (e *Engine) LastMovement() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.LastMovement()
}

func (e *Engine) trigger(v matcher.Violation, loc *domain.GeoPoint) Outcome {
	triggered := e.alerts.Trigger(alerting.TriggerRequest{
		Kind:     v.Kind,
		Reason:   v.Reason,
		Location: loc,
	})
	if triggered {
		e.logger.Info("rule violated",
			zap.String("kind", string(v.Kind)),
			zap.String("rule_id", v.RuleID),
			zap.String("reason", v.Reason),
			zap.Bool("test", v.Test))
	}
	return Outcome{Violation: &v, Triggered: triggered}
}

func (e *Engine) eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return e.clock()
	}
	return t
}

func (e *Engine) lastPosition() *domain.GeoPoint {
	p, ok := e.tracker.LastPosition()
	if !ok {
		return nil
	}
	return &p
}

// armedRules returns the active rules armed at now with usable parameters,
// in store order
func (e *Engine) armedRules(ctx context.Context, now time.Time) []*domain.SafetyRule {
	local := now.In(e.cfg.TimeZone)
	var armed []*domain.SafetyRule
	for _, r := range e.activeRules(ctx) {
		if !e.isArmed(r, local) {
			continue
		}
		if err := r.Validate(); err != nil {
			e.logger.Warn("skipping rule",
				zap.String("rule_id", r.ID),
				zap.String("kind", string(r.Kind)),
				zap.Error(err))
			e.metrics.RuleSkipped(string(r.Kind))
			continue
		}
		armed = append(armed, r)
	}
	return armed
}

func (e *Engine) isArmed(r *domain.SafetyRule, local time.Time) bool {
	armed, fault := window.IsArmed(r, local)
	if fault != nil {
		e.logger.Warn("ignoring malformed rule window",
			zap.String("rule_id", r.ID),
			zap.String("start_time", r.StartTime),
			zap.String("end_time", r.EndTime),
			zap.Error(fault))
		e.metrics.WindowFault()
	}
	return armed
}

// activeRules returns the cached rule set, reloading it once it is older
// than the cache validity. A failed reload keeps the previous set.
func (e *Engine) activeRules(ctx context.Context) []*domain.SafetyRule {
	if !e.cacheLoadedAt.IsZero() && e.clock().Sub(e.cacheLoadedAt) < e.cfg.RuleCacheValidity {
		return e.ruleCache
	}

	rules, err := e.rules.ActiveRules(ctx, e.userID)
	if err != nil {
		e.logger.Error("failed to load rules, using cached set",
			zap.Int("cached", len(e.ruleCache)),
			zap.Error(err))
		e.metrics.StoreError("load_rules")
		return e.ruleCache
	}

	e.ruleCache = rules
	e.cacheLoadedAt = e.clock()
	return rules
}
