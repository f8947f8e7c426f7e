package protocol

import (
	"encoding/json"
	"time"

	"github.com/smukkama/safety-engine/internal/domain"
)

// DeviceEvent is the internal message format for the device events topic.
// Exactly one payload field is populated, matching Type.
type DeviceEvent struct {
	ConnectionID string        `json:"connection_id"`
	UserID       string        `json:"user_id"`
	Type         MessageType   `json:"type"`
	ReceivedAt   time.Time     `json:"received_at"`
	Location     *LocationData `json:"location,omitempty"`
	Motion       *MotionData   `json:"motion,omitempty"`
	Sensor       string        `json:"sensor,omitempty"`
	PIN          string        `json:"pin,omitempty"`
	VideoURL     string        `json:"video_url,omitempty"`
}

// NewDeviceEvent builds the envelope for a parsed client message. It returns
// nil for messages that are not forwarded (identify, keepalive).
func NewDeviceEvent(connectionID, userID string, msg interface{}, receivedAt time.Time) *DeviceEvent {
	ev := &DeviceEvent{
		ConnectionID: connectionID,
		UserID:       userID,
		ReceivedAt:   receivedAt,
	}

	switch m := msg.(type) {
	case *LocationMessage:
		ev.Type = MsgTypeLocation
		data := m.Data
		ev.Location = &data
	case *MotionMessage:
		ev.Type = MsgTypeMotion
		data := m.Data
		ev.Motion = &data
	case *SensorMessage:
		ev.Type = MsgTypeSensor
		ev.Sensor = m.Event
	case *PanicMessage:
		ev.Type = MsgTypePanic
	case *CancelMessage:
		ev.Type = MsgTypeCancel
		ev.PIN = m.PIN
	case *VideoMessage:
		ev.Type = MsgTypeVideo
		ev.VideoURL = m.URL
	case *SignoutMessage:
		ev.Type = MsgTypeSignout
	default:
		return nil
	}

	return ev
}

// AlertNotificationType enumerates alert lifecycle transitions
type AlertNotificationType string

const (
	AlertCountdownStarted AlertNotificationType = "COUNTDOWN_STARTED"
	AlertCanceled         AlertNotificationType = "ALERT_CANCELED"
	AlertEscalated        AlertNotificationType = "ALERT_ESCALATED"
	AlertVideoAttached    AlertNotificationType = "VIDEO_ATTACHED"
)

// AlertNotification is the message format for alert lifecycle notifications
type AlertNotification struct {
	Type             AlertNotificationType `json:"type"`
	ProtectedID      string                `json:"protected_id"`
	AlertID          string                `json:"alert_id,omitempty"`
	Kind             domain.RuleKind       `json:"kind"`
	Reason           string                `json:"reason"`
	Location         *domain.GeoPoint      `json:"location,omitempty"`
	VideoURL         string                `json:"video_url,omitempty"`
	CountdownSeconds int                   `json:"countdown_seconds,omitempty"`
	Timestamp        time.Time             `json:"timestamp"`
}

// EncodeDeviceEvent encodes a DeviceEvent to JSON
func EncodeDeviceEvent(ev *DeviceEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeDeviceEvent decodes JSON to DeviceEvent
func DecodeDeviceEvent(data []byte) (*DeviceEvent, error) {
	var ev DeviceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// EncodeAlertNotification encodes an AlertNotification to JSON
func EncodeAlertNotification(n *AlertNotification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeAlertNotification decodes JSON to AlertNotification
func DecodeAlertNotification(data []byte) (*AlertNotification, error) {
	var n AlertNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
