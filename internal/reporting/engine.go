package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"familytrack/device-agent/internal/api"
	"familytrack/device-agent/internal/model"
)

var (
	ErrPermissionDenied = errors.New("location permission not granted")
	ErrInvalidInterval  = errors.New("interval must be at least 1 second")
	ErrNotRunning       = errors.New("location reporting is not running")
)

// settingsTimeout bounds every settings read or write made on behalf of a sample.
const settingsTimeout = 2 * time.Second

// Engine runs the background location reporting task: one acquisition subscription,
// one upload per delivered position, no retries.
type Engine struct {
	platform Platform
	settings Settings
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	run      *run
	lastSent *model.LocationSample
}

// run is the state of one Start..Stop cycle.
type run struct {
	ctx      context.Context
	cancel   context.CancelFunc
	uploads  sync.WaitGroup
	interval time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for sample and acknowledgement timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New constructs an idle engine.
func New(platform Platform, settings Settings, uploader Uploader, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		platform: platform,
		settings: settings,
		uploader: uploader,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start shows the status indicator and subscribes to position updates at the persisted
// interval. Without location permission it returns ErrPermissionDenied and nothing runs.
// Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run != nil {
		e.logger.Debug("location reporting already running")
		return nil
	}

	if !e.platform.LocationPermitted() {
		e.logger.Error("location permission not granted")
		return ErrPermissionDenied
	}

	if err := e.platform.ShowStatus(); err != nil {
		return fmt.Errorf("show status indicator: %w", err)
	}

	interval := e.readInterval(ctx)

	// The run outlives the caller's context; only Stop ends it.
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: runCtx, cancel: cancel, interval: interval}

	if err := e.platform.RequestUpdates(acquisitionRequest(interval), &listener{engine: e, run: r}); err != nil {
		cancel()
		e.platform.HideStatus()
		return fmt.Errorf("request location updates: %w", err)
	}

	e.run = r
	e.logger.Info("location reporting started", "interval", interval)
	return nil
}

// Stop removes the subscription, cancels outstanding uploads and hides the status
// indicator. It returns once every upload of the run has finished; no settings write
// happens afterwards. Stopping an idle engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	r := e.detachLocked()
	e.mu.Unlock()

	if r == nil {
		return
	}
	r.uploads.Wait()
	e.logger.Info("location reporting stopped")
}

// PermissionRevoked ends the current run. Reporting resumes only through a new Start.
func (e *Engine) PermissionRevoked() {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	e.permissionLost(r)
}

// UpdateInterval re-subscribes at the new period without touching the status indicator.
// The next sample arrives at most seconds after the call. Calls are serialized and the
// latest one wins.
func (e *Engine) UpdateInterval(seconds int) error {
	if seconds < 1 {
		return ErrInvalidInterval
	}
	interval := time.Duration(seconds) * time.Second

	e.mu.Lock()
	r := e.run
	if r == nil {
		e.mu.Unlock()
		return ErrNotRunning
	}

	e.platform.RemoveUpdates()

	if !e.platform.LocationPermitted() {
		e.detachLocked()
		e.mu.Unlock()
		r.uploads.Wait()
		e.logger.Error("location permission lost while changing interval, reporting stopped")
		return ErrPermissionDenied
	}

	if err := e.platform.RequestUpdates(acquisitionRequest(interval), &listener{engine: e, run: r}); err != nil {
		e.detachLocked()
		e.mu.Unlock()
		r.uploads.Wait()
		e.logger.Error("failed to resubscribe location updates, reporting stopped", "error", err)
		return fmt.Errorf("resubscribe location updates: %w", err)
	}

	previous := r.interval
	r.interval = interval
	e.mu.Unlock()

	e.logger.Info("location interval updated", "from", previous, "to", interval)
	return nil
}

// Running reports whether a run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

// Interval returns the period of the active subscription, zero when idle.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return 0
	}
	return e.run.interval
}

// detachLocked tears down the active run and returns it so the caller can wait for its
// uploads after releasing the lock.
func (e *Engine) detachLocked() *run {
	r := e.run
	if r == nil {
		return nil
	}
	e.run = nil
	e.platform.RemoveUpdates()
	r.cancel()
	e.platform.HideStatus()
	return r
}

func (e *Engine) permissionLost(r *run) {
	e.mu.Lock()
	if r == nil || e.run != r {
		e.mu.Unlock()
		return
	}
	e.detachLocked()
	e.mu.Unlock()

	r.uploads.Wait()
	e.logger.Error("location permission revoked, reporting stopped")
}

func (e *Engine) readInterval(ctx context.Context) time.Duration {
	readCtx, cancel := context.WithTimeout(ctx, settingsTimeout)
	defer cancel()

	cfg, err := e.settings.ReportingConfig(readCtx)
	if err != nil {
		e.logger.Warn("failed to read location interval, using default", "default_seconds", model.DefaultIntervalSeconds, "error", err)
		return model.DefaultIntervalSeconds * time.Second
	}
	if cfg.IntervalSeconds < 1 {
		return model.DefaultIntervalSeconds * time.Second
	}
	return time.Duration(cfg.IntervalSeconds) * time.Second
}

func (e *Engine) onSample(r *run, p Position) {
	e.mu.Lock()
	if e.run != r {
		e.mu.Unlock()
		e.logger.Debug("dropping position delivered after stop")
		return
	}
	r.uploads.Add(1)
	e.mu.Unlock()

	go func() {
		defer r.uploads.Done()
		e.upload(r, p)
	}()
}

func (e *Engine) upload(r *run, p Position) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("location upload panic", "panic", rec)
		}
	}()

	readCtx, cancel := context.WithTimeout(r.ctx, settingsTimeout)
	cfg, err := e.settings.ReportingConfig(readCtx)
	cancel()
	if err != nil {
		e.logger.Warn("skipping location sample, settings unavailable", "error", err)
		return
	}

	captured := p.Time
	if captured.IsZero() {
		captured = e.now()
	}

	sample := model.LocationSample{
		DeviceID:  cfg.DeviceID,
		UserID:    cfg.UserID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		Timestamp: captured.UnixMilli(),
		Battery:   p.Battery,
	}
	if !sample.Valid() {
		e.logger.Warn("dropping invalid location sample", "lat", sample.Latitude, "lon", sample.Longitude)
		return
	}

	req := api.LocationUpdateRequest{
		UserID:      sample.UserID,
		DeviceToken: cfg.DeviceToken,
		Latitude:    sample.Latitude,
		Longitude:   sample.Longitude,
		Accuracy:    sample.Accuracy,
		Timestamp:   sample.Timestamp,
	}
	if b := sample.Battery; b != nil && b.Level >= 0 && b.Level <= 100 {
		level, charging := b.Level, b.Charging
		req.BatteryLevel = &level
		req.IsCharging = &charging
	}

	resp, err := e.uploader.SubmitLocation(r.ctx, req)
	if err != nil {
		if r.ctx.Err() != nil {
			e.logger.Debug("location upload cancelled by stop")
			return
		}
		e.logger.Warn("failed to send location", "error", err)
		return
	}
	if resp.Alert {
		e.logger.Info("server flagged location", "user_id", sample.UserID, "device_id", sample.DeviceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run != r || r.ctx.Err() != nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(r.ctx, settingsTimeout)
	defer cancel()
	if err := e.settings.SetLastLocationUpdate(writeCtx, e.now().UnixMilli()); err != nil {
		e.logger.Warn("failed to persist last location update", "error", err)
	}

	attrs := []any{"lat", sample.Latitude, "lon", sample.Longitude, "accuracy", sample.Accuracy}
	if e.lastSent != nil {
		attrs = append(attrs, "moved_m", int(e.lastSent.DistanceMeters(sample)))
	}
	e.lastSent = &sample
	e.logger.Debug("location sent", attrs...)
}

func acquisitionRequest(interval time.Duration) AcquisitionRequest {
	return AcquisitionRequest{
		Interval:   interval,
		MinSpacing: interval / 2,
		Priority:   PriorityHighAccuracy,
	}
}

// listener binds platform callbacks to the run that subscribed them.
type listener struct {
	engine *Engine
	run    *run
}

func (l *listener) OnSample(p Position) { l.engine.onSample(l.run, p) }

func (l *listener) OnPermissionLost() { l.engine.permissionLost(l.run) }
