package model

import (
	"math"

	"github.com/golang/geo/s2"
)

// DefaultIntervalSeconds is the reporting cadence used until the server or the user picks one.
const DefaultIntervalSeconds = 300

// Battery describes the power state reported alongside a position.
type Battery struct {
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

// LocationSample is a single acquired position, built once per acquisition callback.
type LocationSample struct {
	DeviceID  int      `json:"device_id"`
	UserID    int      `json:"user_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float32  `json:"accuracy"`
	Timestamp int64    `json:"timestamp"`
	Battery   *Battery `json:"battery,omitempty"`
}

// LatLng converts the sample coordinates to an s2 point.
func (s LocationSample) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(s.Latitude, s.Longitude)
}

// Valid reports whether the coordinates are finite and within range.
func (s LocationSample) Valid() bool {
	if math.IsNaN(s.Latitude) || math.IsNaN(s.Longitude) || math.IsInf(s.Latitude, 0) || math.IsInf(s.Longitude, 0) {
		return false
	}
	return s.LatLng().IsValid() && math.Abs(s.Longitude) <= 180
}

// DistanceMeters returns the great-circle distance between two samples.
func (s LocationSample) DistanceMeters(other LocationSample) float64 {
	const earthRadiusMeters = 6371008.8
	return float64(s.LatLng().Distance(other.LatLng())) * earthRadiusMeters
}

// ReportingConfig is a point-in-time snapshot of the persisted reporting settings.
type ReportingConfig struct {
	LocationEnabled   bool   `json:"location_enabled"`
	IntervalSeconds   int    `json:"interval_seconds"`
	DeviceToken       string `json:"-"`
	DeviceName        string `json:"device_name"`
	UserID            int    `json:"user_id"`
	DeviceID          int    `json:"device_id"`
	IsRegistered      bool   `json:"is_registered"`
	LastSendTimestamp int64  `json:"last_send_timestamp"`
}

// CredentialRecord mirrors what the secure store holds for the PIN gate.
type CredentialRecord struct {
	PinHash          string `json:"-"`
	BiometricEnabled bool   `json:"biometric_enabled"`
	AutoLockMinutes  int    `json:"auto_lock_minutes"`
}
