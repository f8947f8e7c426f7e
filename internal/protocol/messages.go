package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smukkama/safety-engine/internal/domain"
)

// MessageType represents the type of message
type MessageType string

const (
	// Client to Server
	MsgTypeIdentify  MessageType = "identify"
	MsgTypeLocation  MessageType = "location"
	MsgTypeMotion    MessageType = "motion"
	MsgTypeSensor    MessageType = "sensor"
	MsgTypePanic     MessageType = "panic"
	MsgTypeCancel    MessageType = "cancel"
	MsgTypeVideo     MessageType = "video"
	MsgTypeSignout   MessageType = "signout"
	MsgTypeKeepalive MessageType = "keepalive"

	// Server to Client
	MsgTypeAck   MessageType = "ack"
	MsgTypeAlert MessageType = "alert"
)

// Sensor event names carried by SensorMessage
const (
	SensorFall     = "fall"
	SensorAccident = "accident"
)

// BaseMessage is the common structure for all messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is sent by the device on connection
type IdentifyMessage struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
}

// LocationData is one location fix. Speed is in m/s, zero when unknown.
type LocationData struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Speed     float64 `json:"speed"`
	Timestamp string  `json:"timestamp"`
}

// LocationMessage is sent by the device every few seconds
type LocationMessage struct {
	Type MessageType  `json:"type"`
	Data LocationData `json:"data"`
}

// MotionData is one accelerometer reading in m/s²
type MotionData struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Timestamp string  `json:"timestamp"`
}

// MotionMessage carries raw accelerometer readings
type MotionMessage struct {
	Type MessageType `json:"type"`
	Data MotionData  `json:"data"`
}

// SensorMessage reports a fall or accident detected on the device itself
type SensorMessage struct {
	Type  MessageType `json:"type"`
	Event string      `json:"event"`
}

// PanicMessage is the explicit panic button
type PanicMessage struct {
	Type MessageType `json:"type"`
}

// CancelMessage carries the PIN typed during the countdown
type CancelMessage struct {
	Type MessageType `json:"type"`
	PIN  string      `json:"pin"`
}

// VideoMessage reports a finished evidence upload
type VideoMessage struct {
	Type MessageType `json:"type"`
	URL  string      `json:"url"`
}

// SignoutMessage ends the user's session
type SignoutMessage struct {
	Type MessageType `json:"type"`
}

// KeepaliveMessage is sent by the device every 30-60 seconds
type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the server in response to messages
type AckMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

// AlertMessage forwards an alert notification to the device. RecordSeconds
// is set on escalation and tells the device how long to record video.
type AlertMessage struct {
	Type          MessageType        `json:"type"`
	Notification  *AlertNotification `json:"notification"`
	RecordSeconds int                `json:"record_seconds,omitempty"`
}

// AckStatus constants
const (
	AckStatusIdentified = "identified"
	AckStatusAlive      = "alive"
	AckStatusAccepted   = "accepted"
	AckStatusError      = "error"
	// AckStatusSubscribed opens a dashboard live feed
	AckStatusSubscribed = "subscribed"
)

// ParseMessage parses a JSON line into the appropriate message type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if msg.UserID == "" {
			return nil, fmt.Errorf("user_id is required")
		}
		return &msg, nil

	case MsgTypeLocation:
		var msg LocationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid location message: %w", err)
		}
		if err := validateLocation(&msg.Data); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeMotion:
		var msg MotionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid motion message: %w", err)
		}
		if err := validateTimestamp(msg.Data.Timestamp); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeSensor:
		var msg SensorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid sensor message: %w", err)
		}
		if _, err := SensorKind(msg.Event); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypePanic:
		return &PanicMessage{Type: MsgTypePanic}, nil

	case MsgTypeCancel:
		var msg CancelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid cancel message: %w", err)
		}
		return &msg, nil

	case MsgTypeVideo:
		var msg VideoMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid video message: %w", err)
		}
		if msg.URL == "" {
			return nil, fmt.Errorf("url is required")
		}
		return &msg, nil

	case MsgTypeSignout:
		return &SignoutMessage{Type: MsgTypeSignout}, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: MsgTypeKeepalive}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// SensorKind maps a sensor event name to its rule kind
func SensorKind(event string) (domain.RuleKind, error) {
	switch event {
	case SensorFall:
		return domain.RuleFallDetection, nil
	case SensorAccident:
		return domain.RuleAccident, nil
	default:
		return "", fmt.Errorf("unknown sensor event: %q", event)
	}
}

func validateLocation(d *LocationData) error {
	if d.Lat < -90 || d.Lat > 90 {
		return fmt.Errorf("latitude out of range: %f", d.Lat)
	}
	if d.Lon < -180 || d.Lon > 180 {
		return fmt.Errorf("longitude out of range: %f", d.Lon)
	}
	if d.Speed < 0 {
		return fmt.Errorf("speed must not be negative: %f", d.Speed)
	}
	return validateTimestamp(d.Timestamp)
}

func validateTimestamp(ts string) error {
	if ts == "" {
		return fmt.Errorf("timestamp is required")
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		return fmt.Errorf("invalid timestamp format (must be RFC3339): %w", err)
	}
	return nil
}

// Sample converts the wire location into a domain sample
func (d *LocationData) Sample() (domain.LocationSample, error) {
	ts, err := time.Parse(time.RFC3339, d.Timestamp)
	if err != nil {
		return domain.LocationSample{}, err
	}
	return domain.LocationSample{
		Position:  domain.GeoPoint{Lat: d.Lat, Lon: d.Lon},
		SpeedMps:  d.Speed,
		Timestamp: ts,
	}, nil
}

// Time returns the parsed reading time
func (d *MotionData) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, d.Timestamp)
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// NewAckMessage creates a new acknowledgment message
func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}

// NewAlertMessage wraps a notification for delivery to the device
func NewAlertMessage(n *AlertNotification, videoWindow time.Duration) *AlertMessage {
	msg := &AlertMessage{
		Type:         MsgTypeAlert,
		Notification: n,
	}
	if n.Type == AlertEscalated {
		msg.RecordSeconds = int(videoWindow / time.Second)
	}
	return msg
}

// FormatTimestamp renders t the way devices send it
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
