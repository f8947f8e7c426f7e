package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/protocol"
)

// State is the lifecycle state of a session's alert
type State string

const (
	StateIdle             State = "IDLE"
	StateCountdownPending State = "COUNTDOWN_PENDING"
	StateEscalated        State = "ESCALATED"
)

// Active reports whether an alert is in flight
func (s State) Active() bool {
	return s == StateCountdownPending || s == StateEscalated
}

// Snapshot is the externally visible state of one session
type Snapshot struct {
	State          State            `json:"state"`
	Kind           domain.RuleKind  `json:"kind,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Location       *domain.GeoPoint `json:"location,omitempty"`
	CurrentAlertID string           `json:"current_alert_id,omitempty"`
	TriggeredAt    time.Time        `json:"triggered_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

const (
	snapshotKeyPrefix  = "safety:session:"
	DefaultSnapshotTTL = 7 * 24 * time.Hour
)

func snapshotKey(userID string) string {
	return snapshotKeyPrefix + userID
}

// AlertChannel is the pub/sub channel carrying a user's alert notifications
func AlertChannel(userID string) string {
	return fmt.Sprintf("safety:user:%s:alerts", userID)
}

// StateStore mirrors session snapshots into Redis and fans alert
// notifications out over pub/sub
type StateStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewStateStore creates a new state store
func NewStateStore(redisClient *redis.Client, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &StateStore{redis: redisClient, ttl: ttl}
}

// GetSnapshot retrieves a user's snapshot; a missing key is an idle session
func (s *StateStore) GetSnapshot(ctx context.Context, userID string) (*Snapshot, error) {
	data, err := s.redis.Get(ctx, snapshotKey(userID)).Result()
	if err == redis.Nil {
		return &Snapshot{State: StateIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from Redis: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// SaveSnapshot stores a user's snapshot. Idle snapshots remove the key.
func (s *StateStore) SaveSnapshot(ctx context.Context, userID string, snap Snapshot) error {
	if snap.State == StateIdle {
		return s.DeleteSnapshot(ctx, userID)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.redis.Set(ctx, snapshotKey(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in Redis: %w", err)
	}

	return nil
}

// DeleteSnapshot removes a user's snapshot
func (s *StateStore) DeleteSnapshot(ctx context.Context, userID string) error {
	return s.redis.Del(ctx, snapshotKey(userID)).Err()
}

// ActiveSnapshots returns every stored snapshot keyed by user id
func (s *StateStore) ActiveSnapshots(ctx context.Context) (map[string]*Snapshot, error) {
	snaps := make(map[string]*Snapshot)

	iter := s.redis.Scan(ctx, 0, snapshotKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var snap Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			continue
		}

		snaps[key[len(snapshotKeyPrefix):]] = &snap
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snapshots: %w", err)
	}

	return snaps, nil
}

// Publish sends a notification to the user's alert channel
func (s *StateStore) Publish(ctx context.Context, n *protocol.AlertNotification) error {
	data, err := protocol.EncodeAlertNotification(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := s.redis.Publish(ctx, AlertChannel(n.ProtectedID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe opens a subscription to the user's alert channel
func (s *StateStore) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return s.redis.Subscribe(ctx, AlertChannel(userID))
}
