package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"familytrack/device-agent/internal/api"
	"familytrack/device-agent/internal/model"
	"familytrack/device-agent/internal/reporting"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSettings struct {
	mu  sync.Mutex
	cfg model.ReportingConfig
}

func (s *memSettings) ReportingConfig(ctx context.Context) (model.ReportingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, nil
}

func (s *memSettings) SetLocationEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.LocationEnabled = enabled
	return nil
}

func (s *memSettings) SetLocationInterval(ctx context.Context, seconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.IntervalSeconds = seconds
	return nil
}

func (s *memSettings) SetUserID(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.UserID = id
	return nil
}

func (s *memSettings) SetDeviceName(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.DeviceName = name
	return nil
}

func (s *memSettings) SetDeviceToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.DeviceToken = token
	return nil
}

func (s *memSettings) SetRegistration(ctx context.Context, deviceID, intervalSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.DeviceID = deviceID
	s.cfg.IsRegistered = true
	if intervalSeconds >= 1 {
		s.cfg.IntervalSeconds = intervalSeconds
	}
	return nil
}

func (s *memSettings) snapshot() model.ReportingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

type fakeBackend struct {
	registerReqs  []api.RegisterDeviceRequest
	registerResp  api.RegisterDeviceResponse
	registerErr   error
	intervalCalls []int
	intervalErr   error
}

func (b *fakeBackend) RegisterDevice(ctx context.Context, req api.RegisterDeviceRequest) (api.RegisterDeviceResponse, error) {
	b.registerReqs = append(b.registerReqs, req)
	return b.registerResp, b.registerErr
}

func (b *fakeBackend) UpdateLocationInterval(ctx context.Context, token string, seconds int) (api.ConfigUpdateResponse, error) {
	b.intervalCalls = append(b.intervalCalls, seconds)
	if b.intervalErr != nil {
		return api.ConfigUpdateResponse{}, b.intervalErr
	}
	return api.ConfigUpdateResponse{Status: "ok", NewInterval: seconds}, nil
}

type fakeEngine struct {
	running   bool
	startErr  error
	starts    int
	stops     int
	intervals []int
}

func (e *fakeEngine) Start(ctx context.Context) error {
	e.starts++
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	return nil
}

func (e *fakeEngine) Stop() {
	e.stops++
	e.running = false
}

func (e *fakeEngine) Running() bool { return e.running }

func (e *fakeEngine) UpdateInterval(seconds int) error {
	if !e.running {
		return reporting.ErrNotRunning
	}
	e.intervals = append(e.intervals, seconds)
	return nil
}

func (e *fakeEngine) Interval() time.Duration {
	if len(e.intervals) == 0 {
		return 0
	}
	return time.Duration(e.intervals[len(e.intervals)-1]) * time.Second
}

func newService(cfg model.ReportingConfig) (*Service, *memSettings, *fakeBackend, *fakeEngine) {
	settings := &memSettings{cfg: cfg}
	backend := &fakeBackend{}
	engine := &fakeEngine{}
	return NewService(settings, backend, engine, discardLogger()), settings, backend, engine
}

func TestEnsureDeviceTokenIssuesOnce(t *testing.T) {
	svc, settings, _, _ := newService(model.ReportingConfig{})

	token, err := svc.EnsureDeviceToken(context.Background())
	require.NoError(t, err)
	assert.Len(t, token, 36)
	assert.Equal(t, token, settings.snapshot().DeviceToken)

	again, err := svc.EnsureDeviceToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestRegisterDevicePersistsOutcome(t *testing.T) {
	svc, settings, backend, _ := newService(model.ReportingConfig{DeviceToken: "tok", UserID: 7, DeviceName: "pixel", IntervalSeconds: 300})
	backend.registerResp = api.RegisterDeviceResponse{Status: "success", DeviceID: 42, LocationInterval: 120}

	resp, err := svc.RegisterDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, resp.DeviceID)

	require.Len(t, backend.registerReqs, 1)
	assert.Equal(t, api.RegisterDeviceRequest{DeviceToken: "tok", UserID: 7, DeviceName: "pixel"}, backend.registerReqs[0])

	cfg := settings.snapshot()
	assert.True(t, cfg.IsRegistered)
	assert.Equal(t, 42, cfg.DeviceID)
	assert.Equal(t, 120, cfg.IntervalSeconds)
}

func TestRegisterDeviceAppliesIntervalToRunningEngine(t *testing.T) {
	svc, _, backend, engine := newService(model.ReportingConfig{DeviceToken: "tok"})
	engine.running = true
	backend.registerResp = api.RegisterDeviceResponse{DeviceID: 1, LocationInterval: 60}

	_, err := svc.RegisterDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{60}, engine.intervals)
}

func TestRegisterDeviceFailureReturned(t *testing.T) {
	svc, settings, backend, _ := newService(model.ReportingConfig{DeviceToken: "tok"})
	backend.registerErr = &api.StatusError{Op: "register device", StatusCode: http.StatusConflict}

	_, err := svc.RegisterDevice(context.Background())
	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.False(t, settings.snapshot().IsRegistered)
}

func TestRegisterDeviceNeedsToken(t *testing.T) {
	svc, _, backend, _ := newService(model.ReportingConfig{})
	_, err := svc.RegisterDevice(context.Background())
	assert.ErrorIs(t, err, ErrNoDeviceToken)
	assert.Empty(t, backend.registerReqs)
}

func TestUpdateLocationInterval(t *testing.T) {
	svc, settings, backend, engine := newService(model.ReportingConfig{DeviceToken: "tok", IntervalSeconds: 300})
	engine.running = true

	resp, err := svc.UpdateLocationInterval(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, 90, resp.NewInterval)
	assert.Equal(t, 90, settings.snapshot().IntervalSeconds)
	assert.Equal(t, []int{90}, engine.intervals)
	assert.Equal(t, []int{90}, backend.intervalCalls)
}

func TestUpdateLocationIntervalNotPersistedOnFailure(t *testing.T) {
	svc, settings, backend, engine := newService(model.ReportingConfig{DeviceToken: "tok", IntervalSeconds: 300})
	engine.running = true
	backend.intervalErr = errors.New("offline")

	_, err := svc.UpdateLocationInterval(context.Background(), 90)
	assert.Error(t, err)
	assert.Equal(t, 300, settings.snapshot().IntervalSeconds)
	assert.Empty(t, engine.intervals)
}

func TestUpdateLocationIntervalIdleEngineOnlyPersists(t *testing.T) {
	svc, settings, _, engine := newService(model.ReportingConfig{DeviceToken: "tok", IntervalSeconds: 300})

	_, err := svc.UpdateLocationInterval(context.Background(), 45)
	require.NoError(t, err)
	assert.Equal(t, 45, settings.snapshot().IntervalSeconds)
	assert.Empty(t, engine.intervals)
}

func TestUpdateLocationIntervalRejectsNonPositive(t *testing.T) {
	svc, _, backend, _ := newService(model.ReportingConfig{DeviceToken: "tok"})
	_, err := svc.UpdateLocationInterval(context.Background(), 0)
	assert.ErrorIs(t, err, reporting.ErrInvalidInterval)
	assert.Empty(t, backend.intervalCalls)
}

func TestSetLocationEnabled(t *testing.T) {
	svc, settings, _, engine := newService(model.ReportingConfig{})

	require.NoError(t, svc.SetLocationEnabled(context.Background(), true))
	assert.True(t, settings.snapshot().LocationEnabled)
	assert.True(t, engine.running)

	require.NoError(t, svc.SetLocationEnabled(context.Background(), false))
	assert.False(t, settings.snapshot().LocationEnabled)
	assert.False(t, engine.running)
	assert.Equal(t, 1, engine.stops)
}

func TestSetLocationEnabledRollsBackWithoutPermission(t *testing.T) {
	svc, settings, _, engine := newService(model.ReportingConfig{})
	engine.startErr = reporting.ErrPermissionDenied

	err := svc.SetLocationEnabled(context.Background(), true)
	assert.ErrorIs(t, err, reporting.ErrPermissionDenied)
	assert.False(t, settings.snapshot().LocationEnabled)
}

func TestHandleNewToken(t *testing.T) {
	t.Run("unregistered device only stores it", func(t *testing.T) {
		svc, settings, backend, _ := newService(model.ReportingConfig{DeviceToken: "old"})
		require.NoError(t, svc.HandleNewToken(context.Background(), "new"))
		assert.Equal(t, "new", settings.snapshot().DeviceToken)
		assert.Empty(t, backend.registerReqs)
	})

	t.Run("registered device re-registers", func(t *testing.T) {
		svc, _, backend, _ := newService(model.ReportingConfig{DeviceToken: "old", IsRegistered: true, UserID: 3})
		backend.registerResp = api.RegisterDeviceResponse{DeviceID: 9}
		require.NoError(t, svc.HandleNewToken(context.Background(), "new"))
		require.Len(t, backend.registerReqs, 1)
		assert.Equal(t, "new", backend.registerReqs[0].DeviceToken)
	})

	t.Run("empty token rejected", func(t *testing.T) {
		svc, _, _, _ := newService(model.ReportingConfig{})
		assert.Error(t, svc.HandleNewToken(context.Background(), ""))
	})
}

func TestStatus(t *testing.T) {
	svc, _, _, engine := newService(model.ReportingConfig{LocationEnabled: true, IntervalSeconds: 300})
	engine.running = true
	engine.intervals = []int{300}

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.LocationEnabled)
	assert.Equal(t, 300, st.ActiveInterval)
}

func TestSetIdentity(t *testing.T) {
	svc, settings, _, _ := newService(model.ReportingConfig{UserID: 1, DeviceName: "a"})
	require.NoError(t, svc.SetIdentity(context.Background(), 0, "kitchen tablet"))
	cfg := settings.snapshot()
	assert.Equal(t, 1, cfg.UserID)
	assert.Equal(t, "kitchen tablet", cfg.DeviceName)
}
