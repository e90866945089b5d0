package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"familytrack/device-agent/internal/model"
)

// Persisted setting keys.
const (
	KeyLocationEnabled    = "location_enabled"
	KeyLocationInterval   = "location_interval"
	KeyUserID             = "user_id"
	KeyDeviceToken        = "device_token"
	KeyDeviceName         = "device_name"
	KeyDeviceID           = "device_id"
	KeyIsRegistered       = "is_registered"
	KeyLastLocationUpdate = "last_location_update"
)

// Settings exposes typed, defaulted accessors over the app_config table.
// Writes are independent upserts; concurrent writers to different keys never conflict
// and writers to the same key are last-write-wins.
type Settings struct {
	store             *Store
	defaultDeviceName string
}

// NewSettings returns a settings view. defaultDeviceName is reported until a name is stored.
func NewSettings(s *Store, defaultDeviceName string) *Settings {
	return &Settings{store: s, defaultDeviceName: defaultDeviceName}
}

// ReportingConfig reads every reporting key in one pass.
func (s *Settings) ReportingConfig(ctx context.Context) (model.ReportingConfig, error) {
	raw, err := s.store.AppConfig(ctx)
	if err != nil {
		return model.ReportingConfig{}, err
	}

	cfg := model.ReportingConfig{
		LocationEnabled:   parseBool(raw[KeyLocationEnabled], false),
		IntervalSeconds:   parseInt(raw[KeyLocationInterval], model.DefaultIntervalSeconds),
		DeviceToken:       raw[KeyDeviceToken],
		DeviceName:        raw[KeyDeviceName],
		UserID:            parseInt(raw[KeyUserID], 0),
		DeviceID:          parseInt(raw[KeyDeviceID], 0),
		IsRegistered:      parseBool(raw[KeyIsRegistered], false),
		LastSendTimestamp: parseInt64(raw[KeyLastLocationUpdate], 0),
	}
	if cfg.IntervalSeconds < 1 {
		cfg.IntervalSeconds = model.DefaultIntervalSeconds
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = s.defaultDeviceName
	}
	return cfg, nil
}

// LocationEnabled reports whether the user turned location sharing on.
func (s *Settings) LocationEnabled(ctx context.Context) (bool, error) {
	v, err := s.value(ctx, KeyLocationEnabled)
	if err != nil {
		return false, err
	}
	return parseBool(v, false), nil
}

// LocationInterval returns the reporting cadence in seconds.
func (s *Settings) LocationInterval(ctx context.Context) (int, error) {
	v, err := s.value(ctx, KeyLocationInterval)
	if err != nil {
		return model.DefaultIntervalSeconds, err
	}
	n := parseInt(v, model.DefaultIntervalSeconds)
	if n < 1 {
		n = model.DefaultIntervalSeconds
	}
	return n, nil
}

// IsRegistered reports whether the device completed registration with the server.
func (s *Settings) IsRegistered(ctx context.Context) (bool, error) {
	v, err := s.value(ctx, KeyIsRegistered)
	if err != nil {
		return false, err
	}
	return parseBool(v, false), nil
}

// DeviceToken returns the push addressing token, empty when none was issued yet.
func (s *Settings) DeviceToken(ctx context.Context) (string, error) {
	return s.value(ctx, KeyDeviceToken)
}

// SetLocationEnabled persists the sharing toggle.
func (s *Settings) SetLocationEnabled(ctx context.Context, enabled bool) error {
	return s.store.UpsertAppConfig(ctx, KeyLocationEnabled, strconv.FormatBool(enabled))
}

// SetLocationInterval persists the reporting cadence.
func (s *Settings) SetLocationInterval(ctx context.Context, seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("location interval must be at least 1 second, got %d", seconds)
	}
	return s.store.UpsertAppConfig(ctx, KeyLocationInterval, strconv.Itoa(seconds))
}

func (s *Settings) SetUserID(ctx context.Context, id int) error {
	return s.store.UpsertAppConfig(ctx, KeyUserID, strconv.Itoa(id))
}

func (s *Settings) SetDeviceToken(ctx context.Context, token string) error {
	return s.store.UpsertAppConfig(ctx, KeyDeviceToken, token)
}

func (s *Settings) SetDeviceName(ctx context.Context, name string) error {
	return s.store.UpsertAppConfig(ctx, KeyDeviceName, name)
}

// SetRegistration records the outcome of a successful device registration.
func (s *Settings) SetRegistration(ctx context.Context, deviceID, intervalSeconds int) error {
	if err := s.store.UpsertAppConfig(ctx, KeyDeviceID, strconv.Itoa(deviceID)); err != nil {
		return err
	}
	if err := s.store.UpsertAppConfig(ctx, KeyIsRegistered, "true"); err != nil {
		return err
	}
	if intervalSeconds >= 1 {
		return s.SetLocationInterval(ctx, intervalSeconds)
	}
	return nil
}

// SetLastLocationUpdate records when (ms since epoch) the backend last acknowledged a sample.
func (s *Settings) SetLastLocationUpdate(ctx context.Context, millis int64) error {
	return s.store.UpsertAppConfig(ctx, KeyLastLocationUpdate, strconv.FormatInt(millis, 10))
}

// Clear wipes every persisted setting.
func (s *Settings) Clear(ctx context.Context) error {
	return s.store.DeleteAppConfig(ctx)
}

func (s *Settings) value(ctx context.Context, key string) (string, error) {
	v, err := s.store.AppConfigValue(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func parseBool(v string, def bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseInt64(v string, def int64) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
