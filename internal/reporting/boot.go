package reporting

import (
	"context"
	"fmt"
	"log/slog"
)

// BootSettings is what the boot trigger needs to decide whether to resume reporting.
type BootSettings interface {
	LocationEnabled(ctx context.Context) (bool, error)
	IsRegistered(ctx context.Context) (bool, error)
}

// Starter starts location reporting.
type Starter interface {
	Start(ctx context.Context) error
}

// RestoreAfterBoot resumes reporting after a device restart, but only when the user left
// sharing on and the device is registered. It reports whether Start was invoked.
func RestoreAfterBoot(ctx context.Context, settings BootSettings, starter Starter, logger *slog.Logger) (bool, error) {
	readCtx, cancel := context.WithTimeout(ctx, settingsTimeout)
	defer cancel()

	enabled, err := settings.LocationEnabled(readCtx)
	if err != nil {
		return false, fmt.Errorf("read location_enabled: %w", err)
	}
	registered, err := settings.IsRegistered(readCtx)
	if err != nil {
		return false, fmt.Errorf("read is_registered: %w", err)
	}

	if !enabled || !registered {
		logger.Debug("boot completed, location reporting stays off", "location_enabled", enabled, "is_registered", registered)
		return false, nil
	}

	logger.Info("boot completed, starting location reporting")
	if err := starter.Start(ctx); err != nil {
		return true, err
	}
	return true, nil
}
