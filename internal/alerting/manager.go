// Package alerting owns the life cycle of a session's single in-flight
// alert: countdown, PIN cancellation, escalation and video attachment.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/metrics"
	"github.com/smukkama/safety-engine/internal/protocol"
)

const (
	DefaultCountdown    = 10 * time.Second
	DefaultStoreTimeout = 5 * time.Second
	cancelReasonPrefix  = "canceled by user: "
)

// AlertStore persists alert records. The manager never deletes.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *domain.SafetyAlert) error
	UpdateVideoURL(ctx context.Context, alertID, url string) error
}

// PinSource returns the user's cancel PIN
type PinSource interface {
	CancelPIN(ctx context.Context, userID string) (string, error)
}

// Scheduler runs the countdown; satisfied by timer.Scheduler
type Scheduler interface {
	Schedule(id string, expiryAt time.Time, callback func()) error
	Cancel(id string) bool
}

// Mirror receives a snapshot after every transition
type Mirror interface {
	SaveSnapshot(ctx context.Context, userID string, snap Snapshot) error
}

// CancelResult is the outcome of a cancellation attempt
type CancelResult int

const (
	CancelNoAlert CancelResult = iota
	CancelRejected
	CancelAccepted
)

func (r CancelResult) String() string {
	switch r {
	case CancelAccepted:
		return "accepted"
	case CancelRejected:
		return "rejected"
	default:
		return "no_alert"
	}
}

// TriggerRequest describes a violation to raise. An empty Kind is derived
// from Reason.
type TriggerRequest struct {
	Kind     domain.RuleKind
	Reason   string
	Location *domain.GeoPoint
}

// Config tunes the manager
type Config struct {
	Countdown    time.Duration
	StoreTimeout time.Duration
}

// Deps are the manager's collaborators. Publisher, Mirror and Metrics are
// optional.
type Deps struct {
	Store     AlertStore
	Pins      PinSource
	Scheduler Scheduler
	Publisher Publisher
	Mirror    Mirror
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() string
}

// Manager is the alert state machine of one protected user. All methods
// are safe for concurrent use; the countdown callback takes the same lock.
type Manager struct {
	mu     sync.Mutex
	userID string
	cfg    Config
	deps   Deps
	logger *zap.Logger

	state          State
	kind           domain.RuleKind
	reason         string
	location       *domain.GeoPoint
	triggeredAt    time.Time
	currentAlertID string
	seq            uint64
}

// NewManager creates an idle manager for userID
func NewManager(userID string, cfg Config, deps Deps) *Manager {
	if cfg.Countdown <= 0 {
		cfg.Countdown = DefaultCountdown
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	return &Manager{
		userID: userID,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("protected_id", userID)),
		state:  StateIdle,
	}
}

// Trigger starts a countdown. It returns false when an alert is already in
// flight, in which case nothing changes.
func (m *Manager) Trigger(req TriggerRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := req.Kind
	if kind == "" {
		kind = ClassifyReason(req.Reason)
	}

	if m.state != StateIdle {
		m.logger.Debug("trigger ignored, alert in flight",
			zap.String("state", string(m.state)),
			zap.String("reason", req.Reason))
		m.deps.Metrics.Suppressed(string(kind))
		return false
	}

	now := m.deps.Clock()
	if !m.startCountdown(now.Add(m.cfg.Countdown)) {
		return false
	}

	m.state = StateCountdownPending
	m.kind = kind
	m.reason = req.Reason
	m.location = req.Location
	m.triggeredAt = now

	m.logger.Info("countdown started",
		zap.String("kind", string(kind)),
		zap.String("reason", req.Reason),
		zap.Duration("countdown", m.cfg.Countdown))
	m.deps.Metrics.Triggered(string(kind))

	m.mirror()
	m.publish(protocol.AlertCountdownStarted, "", now)
	return true
}

// startCountdown schedules expiry under a fresh sequence number so a
// callback from an earlier countdown can never act on a later one
func (m *Manager) startCountdown(at time.Time) bool {
	m.seq++
	seq := m.seq
	if err := m.deps.Scheduler.Schedule(m.countdownID(seq), at, func() { m.expire(seq) }); err != nil {
		m.logger.Error("failed to schedule countdown", zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) countdownID(seq uint64) string {
	return fmt.Sprintf("%s:countdown:%d", m.userID, seq)
}

// expire escalates the countdown identified by seq
func (m *Manager) expire(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCountdownPending || seq != m.seq {
		m.logger.Debug("stale countdown expiry ignored",
			zap.Uint64("seq", seq),
			zap.String("state", string(m.state)))
		return
	}

	now := m.deps.Clock()
	alert := &domain.SafetyAlert{
		ID:          m.deps.NewID(),
		ProtectedID: m.userID,
		RuleKind:    m.kind,
		Timestamp:   now,
		Status:      domain.AlertActive,
		Location:    m.location,
		Reason:      m.reason,
	}

	// The session escalates even if the write below fails
	m.currentAlertID = alert.ID
	m.state = StateEscalated

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.deps.Store.CreateAlert(ctx, alert); err != nil {
		m.logger.Error("failed to persist escalated alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		m.deps.Metrics.StoreError("create_alert")
	}

	m.logger.Warn("alert escalated",
		zap.String("alert_id", alert.ID),
		zap.String("kind", string(m.kind)),
		zap.String("reason", m.reason))
	m.deps.Metrics.Escalated(string(m.kind))

	m.mirror()
	m.publish(protocol.AlertEscalated, alert.ID, now)
}

// Cancel checks pin against the user's cancel PIN. A match stops the
// countdown, records a canceled alert and returns the session to idle. A
// mismatch changes nothing.
func (m *Manager) Cancel(ctx context.Context, pin string) (CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Active() {
		m.deps.Metrics.Cancel(CancelNoAlert.String())
		return CancelNoAlert, nil
	}

	stored, err := m.deps.Pins.CancelPIN(ctx, m.userID)
	if err != nil {
		m.deps.Metrics.Cancel(CancelRejected.String())
		return CancelRejected, fmt.Errorf("failed to load cancel pin: %w", err)
	}
	if stored == "" {
		stored = domain.DefaultCancelPIN
	}

	if pin != stored {
		m.logger.Info("cancel rejected, wrong pin")
		m.deps.Metrics.Cancel(CancelRejected.String())
		return CancelRejected, nil
	}

	m.deps.Scheduler.Cancel(m.countdownID(m.seq))

	now := m.deps.Clock()
	alert := &domain.SafetyAlert{
		ID:          m.deps.NewID(),
		ProtectedID: m.userID,
		RuleKind:    m.kind,
		Timestamp:   now,
		Status:      domain.AlertCanceled,
		Location:    m.location,
		Reason:      cancelReasonPrefix + m.reason,
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.deps.Store.CreateAlert(storeCtx, alert); err != nil {
		m.logger.Error("failed to persist canceled alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		m.deps.Metrics.StoreError("create_alert")
	}

	m.logger.Info("alert canceled by user",
		zap.String("alert_id", alert.ID),
		zap.String("previous_state", string(m.state)))
	m.deps.Metrics.Cancel(CancelAccepted.String())

	kind := m.kind
	m.state = StateIdle
	m.kind = ""
	m.reason = ""
	m.location = nil
	m.triggeredAt = time.Time{}

	m.mirror()
	m.publishNotification(&protocol.AlertNotification{
		Type:        protocol.AlertCanceled,
		ProtectedID: m.userID,
		AlertID:     alert.ID,
		Kind:        kind,
		Reason:      alert.Reason,
		Location:    alert.Location,
		Timestamp:   now,
	})
	return CancelAccepted, nil
}

// AttachVideo sets the video URL of the last escalated alert. Without one
// it does nothing and returns false. Repeated calls overwrite the URL.
func (m *Manager) AttachVideo(ctx context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentAlertID == "" {
		m.logger.Warn("video upload has no alert to attach to", zap.String("url", url))
		m.deps.Metrics.VideoAttach("no_alert")
		return false, nil
	}

	if err := m.deps.Store.UpdateVideoURL(ctx, m.currentAlertID, url); err != nil {
		m.deps.Metrics.StoreError("update_video_url")
		return false, fmt.Errorf("failed to attach video to alert %s: %w", m.currentAlertID, err)
	}

	m.logger.Info("video attached",
		zap.String("alert_id", m.currentAlertID),
		zap.String("url", url))
	m.deps.Metrics.VideoAttach("attached")

	m.publishNotification(&protocol.AlertNotification{
		Type:        protocol.AlertVideoAttached,
		ProtectedID: m.userID,
		AlertID:     m.currentAlertID,
		Kind:        m.kind,
		Reason:      m.reason,
		VideoURL:    url,
		Timestamp:   m.deps.Clock(),
	})
	return true, nil
}

// Reset forces the session back to idle and forgets the current alert
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// ResetIfIdle resets the manager unless an alert is in flight, checked and
// applied under one lock. It reports whether the reset happened.
func (m *Manager) ResetIfIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Active() {
		return false
	}
	m.resetLocked()
	return true
}

func (m *Manager) resetLocked() {
	if m.state == StateCountdownPending {
		m.deps.Scheduler.Cancel(m.countdownID(m.seq))
	}
	// Invalidate any callback already past the scheduler
	m.seq++

	m.state = StateIdle
	m.kind = ""
	m.reason = ""
	m.location = nil
	m.triggeredAt = time.Time{}
	m.currentAlertID = ""

	m.mirror()
}

// Restore resumes a session from a mirrored snapshot. A pending countdown
// keeps its original deadline and fires at once if that has passed. It is
// a no-op unless the manager is idle.
func (m *Manager) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle || !snap.State.Active() {
		return
	}

	if snap.State == StateCountdownPending {
		if !m.startCountdown(snap.TriggeredAt.Add(m.cfg.Countdown)) {
			return
		}
	}

	m.state = snap.State
	m.kind = snap.Kind
	m.reason = snap.Reason
	m.location = snap.Location
	m.triggeredAt = snap.TriggeredAt
	m.currentAlertID = snap.CurrentAlertID

	m.logger.Info("session restored",
		zap.String("state", string(m.state)),
		zap.String("alert_id", m.currentAlertID))
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAlertActive reports whether a countdown or escalated alert is in flight
func (m *Manager) IsAlertActive() bool {
	return m.State().Active()
}

// Snapshot returns a copy of the session state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:          m.state,
		Kind:           m.kind,
		Reason:         m.reason,
		Location:       m.location,
		CurrentAlertID: m.currentAlertID,
		TriggeredAt:    m.triggeredAt,
		UpdatedAt:      m.deps.Clock(),
	}
}

func (m *Manager) mirror() {
	if m.deps.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.deps.Mirror.SaveSnapshot(ctx, m.userID, m.snapshotLocked()); err != nil {
		m.logger.Warn("failed to mirror session state", zap.Error(err))
	}
}

func (m *Manager) publish(typ protocol.AlertNotificationType, alertID string, at time.Time) {
	n := &protocol.AlertNotification{
		Type:        typ,
		ProtectedID: m.userID,
		AlertID:     alertID,
		Kind:        m.kind,
		Reason:      m.reason,
		Location:    m.location,
		Timestamp:   at,
	}
	if typ == protocol.AlertCountdownStarted {
		n.CountdownSeconds = int(m.cfg.Countdown / time.Second)
	}
	m.publishNotification(n)
}

func (m *Manager) publishNotification(n *protocol.AlertNotification) {
	if m.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.deps.Publisher.Publish(ctx, n); err != nil {
		m.logger.Warn("failed to publish alert notification",
			zap.String("type", string(n.Type)),
			zap.Error(err))
	}
}
