package reporting

import (
	"context"
	"time"

	"familytrack/device-agent/internal/api"
	"familytrack/device-agent/internal/model"
)

// Priority selects the positioning accuracy/power trade-off.
type Priority int

const (
	PriorityHighAccuracy Priority = iota
	PriorityBalanced
)

// AcquisitionRequest describes the cadence requested from the positioning subsystem.
type AcquisitionRequest struct {
	Interval   time.Duration
	MinSpacing time.Duration
	Priority   Priority
}

// Position is one fix delivered by the positioning subsystem.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float32
	// Time is the capture time; zero means "now".
	Time    time.Time
	Battery *model.Battery
}

// Listener receives callbacks from the positioning subsystem.
type Listener interface {
	OnSample(Position)
	OnPermissionLost()
}

// Platform is the host capability the engine runs on: permission state, the persistent
// status indicator and the acquisition subscription.
type Platform interface {
	LocationPermitted() bool
	ShowStatus() error
	HideStatus()
	// RequestUpdates replaces any existing subscription.
	RequestUpdates(req AcquisitionRequest, l Listener) error
	// RemoveUpdates must not wait for a callback that is currently executing.
	RemoveUpdates()
}

// Settings is the slice of persisted configuration the engine reads and writes.
type Settings interface {
	ReportingConfig(ctx context.Context) (model.ReportingConfig, error)
	SetLastLocationUpdate(ctx context.Context, millis int64) error
}

// Uploader submits samples to the backend.
type Uploader interface {
	SubmitLocation(ctx context.Context, req api.LocationUpdateRequest) (api.LocationUpdateResponse, error)
}
