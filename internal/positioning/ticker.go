package positioning

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"familytrack/device-agent/internal/reporting"
)

// fixTimeout bounds a single read from the source.
const fixTimeout = 10 * time.Second

// Ticker polls a Source on a fixed cadence and delivers fixes to one listener.
type Ticker struct {
	source Source
	logger *slog.Logger

	mu            sync.Mutex
	sub           *subscription
	lastDelivered time.Time
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTicker(source Source, logger *slog.Logger) *Ticker {
	return &Ticker{source: source, logger: logger}
}

// RequestUpdates cancels any existing subscription and starts a new ticker cycle, so an
// interval change takes effect from now rather than from the previous cycle. The first
// fix is read immediately unless one was delivered within req.MinSpacing.
func (t *Ticker) RequestUpdates(req reporting.AcquisitionRequest, l reporting.Listener) error {
	if req.Interval <= 0 {
		return errors.New("acquisition interval must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	if t.sub != nil {
		t.sub.cancel()
	}
	t.sub = sub
	t.mu.Unlock()

	t.logger.Debug("location updates requested", "interval", req.Interval, "min_spacing", req.MinSpacing)
	go t.poll(ctx, sub, req, l)
	return nil
}

// RemoveUpdates cancels the subscription without waiting for an in-flight callback.
func (t *Ticker) RemoveUpdates() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		t.sub.cancel()
		t.sub = nil
	}
}

// Close cancels the subscription and waits for its poller to exit. It must not be
// called from a listener callback.
func (t *Ticker) Close() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.cancel()
		<-sub.done
	}
}

func (t *Ticker) poll(ctx context.Context, sub *subscription, req reporting.AcquisitionRequest, l reporting.Listener) {
	defer close(sub.done)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("location poller panicked", "panic", r)
		}
	}()

	ticker := time.NewTicker(req.Interval)
	defer ticker.Stop()

	if !t.readAndDeliver(ctx, req, l) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.readAndDeliver(ctx, req, l) {
				return
			}
		}
	}
}

// readAndDeliver reports whether polling should continue.
func (t *Ticker) readAndDeliver(ctx context.Context, req reporting.AcquisitionRequest, l reporting.Listener) bool {
	t.mu.Lock()
	tooSoon := req.MinSpacing > 0 && !t.lastDelivered.IsZero() && time.Since(t.lastDelivered) < req.MinSpacing
	t.mu.Unlock()
	if tooSoon {
		return true
	}

	fixCtx, cancel := context.WithTimeout(ctx, fixTimeout)
	pos, err := t.source.Fix(fixCtx)
	cancel()

	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		t.logger.Warn("location source lost", "err", err)
		l.OnPermissionLost()
		return false
	}
	if err != nil {
		t.logger.Warn("location fix failed", "err", err)
		return true
	}

	t.mu.Lock()
	t.lastDelivered = time.Now()
	t.mu.Unlock()

	l.OnSample(pos)
	return true
}
