package domain

import (
	"errors"
	"time"
)

// AlertStatus is the persisted state of a safety alert
type AlertStatus string

const (
	AlertActive   AlertStatus = "ACTIVE"
	AlertResolved AlertStatus = "RESOLVED"
	AlertCanceled AlertStatus = "CANCELED"
)

// DefaultCancelPIN is used when a profile never configured its own PIN
const DefaultCancelPIN = "0000"

var ErrInvalidPIN = errors.New("cancel pin must be exactly 4 digits")

// SafetyAlert is a persisted record of a triggered or canceled safety event
type SafetyAlert struct {
	ID          string
	ProtectedID string
	RuleKind    RuleKind
	Timestamp   time.Time
	Status      AlertStatus
	Location    *GeoPoint
	Reason      string
	VideoURL    *string
}

// UserProfile holds the profile fields the engine reads
type UserProfile struct {
	ID           string
	Email        string
	Phone        string
	Name         string
	MonitorIDs   []string
	ProtectedIDs []string
	LastLocation *GeoPoint
	CancelPIN    string
}

// ValidatePIN checks the 4-digit format of a cancel PIN
func ValidatePIN(pin string) error {
	if len(pin) != 4 {
		return ErrInvalidPIN
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return ErrInvalidPIN
		}
	}
	return nil
}
