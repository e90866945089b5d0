package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"familytrack/device-agent/internal/api"
	"familytrack/device-agent/internal/model"
	"familytrack/device-agent/internal/reporting"
)

var ErrNoDeviceToken = errors.New("device token not issued yet")

// Settings is the persisted configuration the service manages.
type Settings interface {
	ReportingConfig(ctx context.Context) (model.ReportingConfig, error)
	SetLocationEnabled(ctx context.Context, enabled bool) error
	SetLocationInterval(ctx context.Context, seconds int) error
	SetUserID(ctx context.Context, id int) error
	SetDeviceName(ctx context.Context, name string) error
	SetDeviceToken(ctx context.Context, token string) error
	SetRegistration(ctx context.Context, deviceID, intervalSeconds int) error
}

// Backend is the slice of the remote API used for registration and settings changes.
type Backend interface {
	RegisterDevice(ctx context.Context, req api.RegisterDeviceRequest) (api.RegisterDeviceResponse, error)
	UpdateLocationInterval(ctx context.Context, deviceToken string, seconds int) (api.ConfigUpdateResponse, error)
}

// Engine is the reporting engine as seen by user-driven flows.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	UpdateInterval(seconds int) error
	Interval() time.Duration
}

// Service implements the interactive device flows: registration, the sharing toggle
// and interval changes. Unlike background reporting, failures are returned to the caller.
type Service struct {
	settings Settings
	backend  Backend
	engine   Engine
	logger   *slog.Logger
}

func NewService(settings Settings, backend Backend, engine Engine, logger *slog.Logger) *Service {
	return &Service{settings: settings, backend: backend, engine: engine, logger: logger}
}

// Status is a snapshot of the device state.
type Status struct {
	model.ReportingConfig
	Running        bool `json:"running"`
	ActiveInterval int  `json:"active_interval_seconds,omitempty"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	cfg, err := s.settings.ReportingConfig(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read settings: %w", err)
	}
	st := Status{ReportingConfig: cfg, Running: s.engine.Running()}
	if st.Running {
		st.ActiveInterval = int(s.engine.Interval() / time.Second)
	}
	return st, nil
}

// EnsureDeviceToken returns the stored device token, issuing one on first run.
func (s *Service) EnsureDeviceToken(ctx context.Context) (string, error) {
	cfg, err := s.settings.ReportingConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("read settings: %w", err)
	}
	if cfg.DeviceToken != "" {
		return cfg.DeviceToken, nil
	}

	token := uuid.NewString()
	if err := s.settings.SetDeviceToken(ctx, token); err != nil {
		return "", fmt.Errorf("store device token: %w", err)
	}
	s.logger.Info("issued device token")
	return token, nil
}

// SetIdentity stores the account and display name used for the next registration.
// Zero values leave the stored ones untouched.
func (s *Service) SetIdentity(ctx context.Context, userID int, deviceName string) error {
	if userID != 0 {
		if err := s.settings.SetUserID(ctx, userID); err != nil {
			return fmt.Errorf("store user id: %w", err)
		}
	}
	if deviceName != "" {
		if err := s.settings.SetDeviceName(ctx, deviceName); err != nil {
			return fmt.Errorf("store device name: %w", err)
		}
	}
	return nil
}

// RegisterDevice registers this device with the backend and stores the assigned id and
// reporting interval. A running engine switches to the server interval.
func (s *Service) RegisterDevice(ctx context.Context) (api.RegisterDeviceResponse, error) {
	cfg, err := s.settings.ReportingConfig(ctx)
	if err != nil {
		return api.RegisterDeviceResponse{}, fmt.Errorf("read settings: %w", err)
	}
	if cfg.DeviceToken == "" {
		return api.RegisterDeviceResponse{}, ErrNoDeviceToken
	}

	resp, err := s.backend.RegisterDevice(ctx, api.RegisterDeviceRequest{
		DeviceToken: cfg.DeviceToken,
		UserID:      cfg.UserID,
		DeviceName:  cfg.DeviceName,
	})
	if err != nil {
		return api.RegisterDeviceResponse{}, err
	}

	if err := s.settings.SetRegistration(ctx, resp.DeviceID, resp.LocationInterval); err != nil {
		return resp, fmt.Errorf("store registration: %w", err)
	}
	s.logger.Info("device registered", "device_id", resp.DeviceID, "interval_s", resp.LocationInterval)

	if resp.LocationInterval >= 1 && s.engine.Running() {
		s.applyInterval(resp.LocationInterval)
	}
	return resp, nil
}

// UpdateLocationInterval asks the backend to change the interval, then stores it and
// applies it to a running engine. Nothing is stored when the backend refuses.
func (s *Service) UpdateLocationInterval(ctx context.Context, seconds int) (api.ConfigUpdateResponse, error) {
	if seconds < 1 {
		return api.ConfigUpdateResponse{}, reporting.ErrInvalidInterval
	}

	cfg, err := s.settings.ReportingConfig(ctx)
	if err != nil {
		return api.ConfigUpdateResponse{}, fmt.Errorf("read settings: %w", err)
	}
	if cfg.DeviceToken == "" {
		return api.ConfigUpdateResponse{}, ErrNoDeviceToken
	}

	resp, err := s.backend.UpdateLocationInterval(ctx, cfg.DeviceToken, seconds)
	if err != nil {
		return api.ConfigUpdateResponse{}, err
	}

	if err := s.settings.SetLocationInterval(ctx, seconds); err != nil {
		return resp, fmt.Errorf("store interval: %w", err)
	}
	if s.engine.Running() {
		s.applyInterval(seconds)
	}
	return resp, nil
}

// SetLocationEnabled stores the sharing toggle and starts or stops reporting. When
// reporting cannot start for lack of permission the toggle is rolled back to off.
func (s *Service) SetLocationEnabled(ctx context.Context, enabled bool) error {
	if err := s.settings.SetLocationEnabled(ctx, enabled); err != nil {
		return fmt.Errorf("store location_enabled: %w", err)
	}

	if !enabled {
		s.engine.Stop()
		return nil
	}

	if err := s.engine.Start(ctx); err != nil {
		if errors.Is(err, reporting.ErrPermissionDenied) {
			if rbErr := s.settings.SetLocationEnabled(ctx, false); rbErr != nil {
				s.logger.Error("failed to roll back location_enabled", "error", rbErr)
			}
		}
		return err
	}
	return nil
}

// HandleNewToken stores a refreshed device token and re-registers a registered device.
func (s *Service) HandleNewToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("empty device token")
	}
	if err := s.settings.SetDeviceToken(ctx, token); err != nil {
		return fmt.Errorf("store device token: %w", err)
	}

	cfg, err := s.settings.ReportingConfig(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if !cfg.IsRegistered {
		return nil
	}
	if _, err := s.RegisterDevice(ctx); err != nil {
		return fmt.Errorf("re-register after token refresh: %w", err)
	}
	return nil
}

func (s *Service) applyInterval(seconds int) {
	err := s.engine.UpdateInterval(seconds)
	switch {
	case err == nil, errors.Is(err, reporting.ErrNotRunning):
	default:
		s.logger.Warn("failed to apply interval to running engine", "interval_s", seconds, "error", err)
	}
}
