package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"familytrack/device-agent/internal/api"
	"familytrack/device-agent/internal/model"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *fakePlatform, *fakeSettings, *fakeUploader) {
	t.Helper()

	platform := newFakePlatform()
	settings := &fakeSettings{cfg: model.ReportingConfig{
		IntervalSeconds: 60,
		DeviceToken:     "tok-1",
		UserID:          7,
		DeviceID:        3,
	}}
	uploader := &fakeUploader{}

	engine := New(platform, settings, uploader, discardLogger(), WithClock(func() time.Time { return fixedNow }))
	t.Cleanup(engine.Stop)
	return engine, platform, settings, uploader
}

func madrid() Position {
	return Position{Latitude: 40.4168, Longitude: -3.7038, Accuracy: 12}
}

func TestStartWithoutPermissionFails(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	platform.setPermitted(false)

	err := engine.Start(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)

	snap := platform.snapshot()
	assert.False(t, engine.Running())
	assert.Zero(t, snap.showCalls)
	assert.Empty(t, snap.requests)
}

func TestStartShowsStatusAndSubscribesAtPersistedInterval(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)

	require.NoError(t, engine.Start(context.Background()))

	snap := platform.snapshot()
	assert.True(t, engine.Running())
	assert.True(t, snap.visible)
	require.Len(t, snap.requests, 1)
	assert.Equal(t, AcquisitionRequest{
		Interval:   60 * time.Second,
		MinSpacing: 30 * time.Second,
		Priority:   PriorityHighAccuracy,
	}, snap.requests[0])
	assert.Equal(t, 60*time.Second, engine.Interval())
}

func TestStartIsNoOpWhenRunning(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)

	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Start(context.Background()))

	snap := platform.snapshot()
	assert.Equal(t, 1, snap.showCalls)
	assert.Len(t, snap.requests, 1)
}

func TestStartFallsBackToDefaultIntervalWhenSettingsUnreadable(t *testing.T) {
	engine, platform, settings, _ := newTestEngine(t)
	settings.readErr = errors.New("disk gone")

	require.NoError(t, engine.Start(context.Background()))

	snap := platform.snapshot()
	require.Len(t, snap.requests, 1)
	assert.Equal(t, 300*time.Second, snap.requests[0].Interval)
}

func TestStartFailsWhenSubscriptionRejected(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	platform.requestErr = errors.New("provider offline")

	require.Error(t, engine.Start(context.Background()))

	snap := platform.snapshot()
	assert.False(t, engine.Running())
	assert.False(t, snap.visible)
	assert.Equal(t, 1, snap.hideCalls)
}

func TestSampleIsUploadedAndTimestampPersisted(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	platform.deliver(madrid())

	require.Eventually(t, func() bool { return settings.writeCount() == 1 }, time.Second, 5*time.Millisecond)

	reqs := uploader.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, api.LocationUpdateRequest{
		UserID:      7,
		DeviceToken: "tok-1",
		Latitude:    40.4168,
		Longitude:   -3.7038,
		Accuracy:    12,
		Timestamp:   fixedNow.UnixMilli(),
	}, reqs[0])
	assert.Equal(t, fixedNow.UnixMilli(), settings.writes[0])
}

func TestIdentifiersAreReadFreshForEverySample(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	platform.deliver(madrid())
	require.Eventually(t, func() bool { return settings.writeCount() == 1 }, time.Second, 5*time.Millisecond)

	settings.update(func(cfg *model.ReportingConfig) {
		cfg.UserID = 99
		cfg.DeviceToken = "tok-2"
	})

	platform.deliver(madrid())
	require.Eventually(t, func() bool { return settings.writeCount() == 2 }, time.Second, 5*time.Millisecond)

	reqs := uploader.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 99, reqs[1].UserID)
	assert.Equal(t, "tok-2", reqs[1].DeviceToken)
}

func TestUploadFailureIsSwallowed(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)
	uploader.SubmitFunc = func(context.Context, api.LocationUpdateRequest) (api.LocationUpdateResponse, error) {
		return api.LocationUpdateResponse{}, &api.StatusError{Op: "submit location", StatusCode: 502}
	}
	require.NoError(t, engine.Start(context.Background()))

	platform.deliver(madrid())
	require.Eventually(t, func() bool { return len(uploader.requests()) == 1 }, time.Second, 5*time.Millisecond)

	engine.Stop()
	assert.Zero(t, settings.writeCount())
	assert.Len(t, uploader.requests(), 1, "no retry")
}

func TestBatteryIsForwardedWhenKnown(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	pos := madrid()
	pos.Battery = &model.Battery{Level: 41, Charging: true}
	platform.deliver(pos)

	require.Eventually(t, func() bool { return settings.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	req := uploader.requests()[0]
	require.NotNil(t, req.BatteryLevel)
	require.NotNil(t, req.IsCharging)
	assert.Equal(t, 41, *req.BatteryLevel)
	assert.True(t, *req.IsCharging)
}

func TestInvalidCoordinatesAreDropped(t *testing.T) {
	engine, platform, _, uploader := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	platform.deliver(Position{Latitude: 123, Longitude: 10})
	engine.Stop()

	assert.Empty(t, uploader.requests())
}

func TestUpdateIntervalResubscribesWithoutTouchingStatus(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	require.NoError(t, engine.UpdateInterval(15))

	snap := platform.snapshot()
	assert.Equal(t, 1, snap.removeCalls)
	assert.Equal(t, 1, snap.showCalls)
	assert.Zero(t, snap.hideCalls)
	assert.True(t, snap.visible)
	require.Len(t, snap.requests, 2)
	assert.Equal(t, 15*time.Second, snap.requests[1].Interval)
	assert.Equal(t, 7500*time.Millisecond, snap.requests[1].MinSpacing)
	assert.Equal(t, 15*time.Second, engine.Interval())
}

func TestUpdateIntervalLatestCallWins(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	for _, s := range []int{120, 30, 5} {
		require.NoError(t, engine.UpdateInterval(s))
	}

	snap := platform.snapshot()
	assert.Equal(t, 5*time.Second, snap.requests[len(snap.requests)-1].Interval)
	assert.Equal(t, 5*time.Second, engine.Interval())
}

func TestUpdateIntervalConvergesRegardlessOfStartInterval(t *testing.T) {
	for _, startSeconds := range []int{1, 60, 3600} {
		engine, platform, settings, _ := newTestEngine(t)
		settings.update(func(cfg *model.ReportingConfig) { cfg.IntervalSeconds = startSeconds })

		require.NoError(t, engine.Start(context.Background()))
		require.NoError(t, engine.UpdateInterval(42))

		snap := platform.snapshot()
		assert.Equal(t, 42*time.Second, snap.requests[len(snap.requests)-1].Interval, "start=%d", startSeconds)
		engine.Stop()
	}
}

func TestUpdateIntervalRejectsInvalidInput(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	assert.ErrorIs(t, engine.UpdateInterval(0), ErrInvalidInterval)
	assert.ErrorIs(t, engine.UpdateInterval(30), ErrNotRunning)
}

func TestUpdateIntervalStopsWhenPermissionWasLost(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	platform.setPermitted(false)
	require.ErrorIs(t, engine.UpdateInterval(30), ErrPermissionDenied)

	assert.False(t, engine.Running())
	assert.False(t, platform.snapshot().visible)
}

func TestStopIsIdempotent(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	engine.Stop()
	first := platform.snapshot()
	engine.Stop()
	second := platform.snapshot()

	assert.False(t, engine.Running())
	assert.False(t, second.visible)
	assert.Equal(t, first.hideCalls, second.hideCalls)
	assert.Equal(t, first.removeCalls, second.removeCalls)
	assert.Equal(t, 1, second.hideCalls)
}

func TestStopOnIdleEngineIsNoOp(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	engine.Stop()

	snap := platform.snapshot()
	assert.Zero(t, snap.hideCalls)
	assert.Zero(t, snap.removeCalls)
}

func TestCallbackAfterStopDoesNotPersist(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	stale := platform.currentListener()
	require.NotNil(t, stale)

	engine.Stop()
	stale.OnSample(madrid())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, uploader.requests())
	assert.Zero(t, settings.writeCount())
}

func TestStaleCallbackFromPreviousRunIsIgnoredAfterRestart(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))
	stale := platform.currentListener()

	engine.Stop()
	require.NoError(t, engine.Start(context.Background()))

	stale.OnSample(madrid())
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, uploader.requests())
	assert.Zero(t, settings.writeCount())
}

func TestStopCancelsInFlightUploadAndWaits(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	uploader.SubmitFunc = func(ctx context.Context, _ api.LocationUpdateRequest) (api.LocationUpdateResponse, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return api.LocationUpdateResponse{}, ctx.Err()
	}
	require.NoError(t, engine.Start(context.Background()))

	platform.deliver(madrid())
	<-started

	engine.Stop()

	select {
	case <-cancelled:
	default:
		t.Fatal("Stop returned before the in-flight upload finished")
	}
	assert.Zero(t, settings.writeCount())
}

func TestSuccessfulUploadRacingStopDoesNotWriteAfterStop(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)

	release := make(chan struct{})
	started := make(chan struct{})
	uploader.SubmitFunc = func(ctx context.Context, _ api.LocationUpdateRequest) (api.LocationUpdateResponse, error) {
		close(started)
		<-release
		return api.LocationUpdateResponse{Status: "ok"}, nil
	}
	require.NoError(t, engine.Start(context.Background()))

	platform.deliver(madrid())
	<-started

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()

	require.Eventually(t, func() bool { return !engine.Running() }, time.Second, time.Millisecond)
	close(release)
	<-done

	assert.Zero(t, settings.writeCount())
}

func TestPermissionLossStopsRun(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	require.NoError(t, engine.Start(context.Background()))

	platform.currentListener().OnPermissionLost()

	snap := platform.snapshot()
	assert.False(t, engine.Running())
	assert.False(t, snap.visible)
	assert.Equal(t, 1, snap.hideCalls)

	platform.setPermitted(false)
	assert.ErrorIs(t, engine.Start(context.Background()), ErrPermissionDenied)
}

func TestPermissionRevokedOnIdleEngineIsNoOp(t *testing.T) {
	engine, platform, _, _ := newTestEngine(t)
	engine.PermissionRevoked()
	assert.Zero(t, platform.snapshot().hideCalls)
}

func TestUnregisteredDeviceStillUploads(t *testing.T) {
	engine, platform, settings, uploader := newTestEngine(t)
	settings.update(func(cfg *model.ReportingConfig) {
		cfg.IsRegistered = false
		cfg.DeviceID = 0
	})

	require.NoError(t, engine.Start(context.Background()))
	platform.deliver(madrid())

	require.Eventually(t, func() bool { return settings.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, uploader.requests(), 1)
}
