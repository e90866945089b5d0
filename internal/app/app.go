package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"familytrack/device-agent/internal/api"
	"familytrack/device-agent/internal/config"
	"familytrack/device-agent/internal/device"
	"familytrack/device-agent/internal/pingate"
	"familytrack/device-agent/internal/positioning"
	"familytrack/device-agent/internal/push"
	"familytrack/device-agent/internal/reporting"
	"familytrack/device-agent/internal/store"
)

// storeTimeout bounds store calls made during startup.
const storeTimeout = 2 * time.Second

// App wires together the FamilyTrack agent services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	settings   *store.Settings
	creds      *pingate.Credentials
	gate       *pingate.Gate
	host       *positioning.Host
	engine     *reporting.Engine
	device     *device.Service
	subscriber *push.Subscriber
	mdns       *zeroconf.Server

	activityMu   sync.Mutex
	lastActivity time.Time
	now          func() time.Time
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, now: time.Now}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.init(ctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	// Agent start plays the role of device boot.
	if _, err := reporting.RestoreAfterBoot(ctx, a.settings, a.engine, a.logger); err != nil {
		a.logger.Error("failed to restore location reporting", "error", err)
	}

	if a.subscriber != nil {
		if err := a.subscriber.Start(ctx); err != nil {
			a.logger.Error("push subscriber unavailable", "error", err)
		}
	}

	if a.cfg.AdvertiseMDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	case err := <-httpErrCh:
		return err
	}
}

// init opens the store and builds every component; it starts nothing.
func (a *App) init(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	prefs, err := store.NewSecurePrefs(a.store, a.cfg.SecureKey)
	if err != nil {
		return err
	}

	source, err := positioning.ParseSource(a.cfg.LocationSource)
	if err != nil {
		return err
	}

	client, err := api.NewClient(a.cfg.APIBaseURL, a.cfg.APITimeout, a.logger.With("component", "api"))
	if err != nil {
		return err
	}

	a.settings = store.NewSettings(a.store, a.cfg.DeviceName)
	a.creds = pingate.NewCredentials(prefs)
	a.gate = pingate.NewGate(a.creds, a.logger.With("component", "gate"))
	a.host = positioning.NewHost(source, a.logger.With("component", "positioning"))
	a.engine = reporting.New(a.host, a.settings, client, a.logger.With("component", "reporting"))
	a.device = device.NewService(a.settings, client, a.engine, a.logger.With("component", "device"))

	startCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	token, err := a.device.EnsureDeviceToken(startCtx)
	if err != nil {
		return err
	}
	if err := a.gate.Enter(startCtx); err != nil {
		return fmt.Errorf("enter gate: %w", err)
	}

	if a.cfg.MQTTBroker != "" {
		refresher := &tokenRefresher{device: a.device, prefix: a.cfg.PushTopicPrefix}
		handler, err := push.NewHandler(a.settings, a.engine, refresher, push.LogNotifier{Logger: a.logger.With("component", "notifications")}, a.logger.With("component", "push"))
		if err != nil {
			return err
		}
		a.subscriber = push.NewSubscriber(a.cfg.MQTTBroker, push.Topic(a.cfg.PushTopicPrefix, token), handler, a.logger.With("component", "push"))
		refresher.subscriber = a.subscriber
	}

	return nil
}

// close releases everything init or Run acquired.
func (a *App) close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.host != nil {
		a.host.Close()
	}
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	a.stopMDNS()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}

// tokenRefresher stores a new device token and moves the push subscription to it.
type tokenRefresher struct {
	device     *device.Service
	subscriber *push.Subscriber
	prefix     string
}

func (r *tokenRefresher) HandleNewToken(ctx context.Context, token string) error {
	err := r.device.HandleNewToken(ctx, token)
	if r.subscriber != nil && token != "" {
		r.subscriber.SetTopic(push.Topic(r.prefix, token))
	}
	return err
}
