package positioning

import (
	"log/slog"
	"sync"
	"time"
)

const (
	StatusTitle = "Location sharing active"
	StatusText  = "Your family can see where this device is"
)

// Status is the persistent indicator shown while reporting runs.
type Status struct {
	Title   string    `json:"title,omitempty"`
	Text    string    `json:"text,omitempty"`
	Visible bool      `json:"visible"`
	Since   time.Time `json:"since,omitempty"`
}

// Host is the reporting.Platform of a headless agent: a Ticker over the Source plus
// the status indicator.
type Host struct {
	*Ticker
	source Source
	logger *slog.Logger

	mu     sync.Mutex
	status Status
}

func NewHost(source Source, logger *slog.Logger) *Host {
	return &Host{Ticker: NewTicker(source, logger), source: source, logger: logger}
}

func (h *Host) LocationPermitted() bool {
	return h.source.Available()
}

func (h *Host) ShowStatus() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Visible {
		return nil
	}
	h.status = Status{Title: StatusTitle, Text: StatusText, Visible: true, Since: time.Now()}
	h.logger.Info("status indicator shown", "title", StatusTitle)
	return nil
}

func (h *Host) HideStatus() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.Visible {
		return
	}
	h.status = Status{}
	h.logger.Info("status indicator hidden")
}

// Status returns a copy of the indicator state.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}
