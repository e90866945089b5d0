package reporting

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"familytrack/device-agent/internal/api"
	"familytrack/device-agent/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePlatform records every interaction and lets tests deliver positions synchronously.
type fakePlatform struct {
	mu          sync.Mutex
	permitted   bool
	showErr     error
	requestErr  error
	visible     bool
	showCalls   int
	hideCalls   int
	removeCalls int
	requests    []AcquisitionRequest
	listener    Listener
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{permitted: true}
}

func (p *fakePlatform) LocationPermitted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permitted
}

func (p *fakePlatform) ShowStatus() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.showCalls++
	if p.showErr != nil {
		return p.showErr
	}
	p.visible = true
	return nil
}

func (p *fakePlatform) HideStatus() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hideCalls++
	p.visible = false
}

func (p *fakePlatform) RequestUpdates(req AcquisitionRequest, l Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requestErr != nil {
		return p.requestErr
	}
	p.requests = append(p.requests, req)
	p.listener = l
	return nil
}

func (p *fakePlatform) RemoveUpdates() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeCalls++
	p.listener = nil
}

func (p *fakePlatform) currentListener() Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

func (p *fakePlatform) deliver(pos Position) {
	if l := p.currentListener(); l != nil {
		l.OnSample(pos)
	}
}

func (p *fakePlatform) setPermitted(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permitted = v
}

type platformSnapshot struct {
	visible     bool
	showCalls   int
	hideCalls   int
	removeCalls int
	requests    []AcquisitionRequest
}

func (p *fakePlatform) snapshot() platformSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return platformSnapshot{
		visible:     p.visible,
		showCalls:   p.showCalls,
		hideCalls:   p.hideCalls,
		removeCalls: p.removeCalls,
		requests:    append([]AcquisitionRequest(nil), p.requests...),
	}
}

// fakeSettings is an in-memory Settings.
type fakeSettings struct {
	mu      sync.Mutex
	cfg     model.ReportingConfig
	readErr error
	writes  []int64

	enabled    bool
	registered bool
}

func (s *fakeSettings) ReportingConfig(ctx context.Context) (model.ReportingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return model.ReportingConfig{}, s.readErr
	}
	return s.cfg, nil
}

func (s *fakeSettings) SetLastLocationUpdate(ctx context.Context, millis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, millis)
	s.cfg.LastSendTimestamp = millis
	return nil
}

func (s *fakeSettings) LocationEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.readErr
}

func (s *fakeSettings) IsRegistered(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered, s.readErr
}

func (s *fakeSettings) update(fn func(*model.ReportingConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
}

func (s *fakeSettings) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// fakeUploader records submitted requests; SubmitFunc overrides the default success reply.
type fakeUploader struct {
	mu         sync.Mutex
	calls      []api.LocationUpdateRequest
	SubmitFunc func(ctx context.Context, req api.LocationUpdateRequest) (api.LocationUpdateResponse, error)
}

func (u *fakeUploader) SubmitLocation(ctx context.Context, req api.LocationUpdateRequest) (api.LocationUpdateResponse, error) {
	u.mu.Lock()
	u.calls = append(u.calls, req)
	fn := u.SubmitFunc
	u.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return api.LocationUpdateResponse{Status: "ok"}, nil
}

func (u *fakeUploader) requests() []api.LocationUpdateRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]api.LocationUpdateRequest(nil), u.calls...)
}

// fakeStarter counts Start calls.
type fakeStarter struct {
	calls int
	err   error
}

func (s *fakeStarter) Start(ctx context.Context) error {
	s.calls++
	return s.err
}
