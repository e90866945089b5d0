package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

const (
	AlertZoneExit       = "zone_exit"
	AlertZoneEntry      = "zone_entry"
	AlertOffline        = "offline"
	AlertUpdateInterval = "UPDATE_INTERVAL"
	AlertNewToken       = "NEW_TOKEN"

	defaultTitle = "FamilyTrack"

	// storeTimeout bounds settings writes made for a single message.
	storeTimeout = 2 * time.Second
)

var ErrInvalidPayload = errors.New("invalid push payload")

const payloadSchema = `{
  "type": "object",
  "properties": {
    "notification": {
      "type": "object",
      "properties": {
        "title": {"type": "string"},
        "body": {"type": "string"}
      }
    },
    "data": {
      "type": "object",
      "properties": {
        "alertType": {"type": "string"},
        "interval": {"type": ["string", "integer"]},
        "token": {"type": "string"}
      },
      "additionalProperties": {"type": ["string", "number", "boolean"]}
    }
  },
  "anyOf": [
    {"required": ["notification"]},
    {"required": ["data"]}
  ]
}`

// Notification is the user-visible part of a push message.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Message is a decoded push message. Data values are flattened to strings.
type Message struct {
	Notification Notification
	Data         map[string]string
}

type wireMessage struct {
	Notification *Notification             `json:"notification"`
	Data         map[string]json.RawMessage `json:"data"`
}

// Notifier presents push messages to the user.
type Notifier interface {
	Alert(ctx context.Context, n Notification, alertType string, data map[string]string)
	Notify(ctx context.Context, n Notification)
}

// IntervalStore persists the reporting interval.
type IntervalStore interface {
	SetLocationInterval(ctx context.Context, seconds int) error
}

// Engine is the running reporting engine.
type Engine interface {
	Running() bool
	UpdateInterval(seconds int) error
}

// TokenHandler reacts to a refreshed device token.
type TokenHandler interface {
	HandleNewToken(ctx context.Context, token string) error
}

// Handler validates and dispatches push messages.
type Handler struct {
	schema   *gojsonschema.Schema
	settings IntervalStore
	engine   Engine
	tokens   TokenHandler
	notifier Notifier
	logger   *slog.Logger
}

func NewHandler(settings IntervalStore, engine Engine, tokens TokenHandler, notifier Notifier, logger *slog.Logger) (*Handler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("compile push schema: %w", err)
	}
	return &Handler{
		schema:   schema,
		settings: settings,
		engine:   engine,
		tokens:   tokens,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Decode validates payload against the push schema and decodes it.
func (h *Handler) Decode(payload []byte) (Message, error) {
	res, err := h.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !res.Valid() {
		details := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			details = append(details, e.String())
		}
		return Message{}, fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(details, "; "))
	}

	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	msg := Message{Data: make(map[string]string, len(wire.Data))}
	if wire.Notification != nil {
		msg.Notification = *wire.Notification
	}
	for k, raw := range wire.Data {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			msg.Data[k] = s
			continue
		}
		msg.Data[k] = string(raw)
	}
	if msg.Notification.Title == "" {
		msg.Notification.Title = defaultTitle
	}
	return msg, nil
}

// Handle processes one push payload. Only undecodable payloads are reported as errors;
// reactions to a valid message log their own failures.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	msg, err := h.Decode(payload)
	if err != nil {
		return err
	}

	alertType := msg.Data["alertType"]
	if alertType == "" {
		alertType = "default"
	}
	h.logger.Debug("push message received", "alert_type", alertType)

	switch alertType {
	case AlertZoneExit, AlertZoneEntry, AlertOffline:
		h.notifier.Alert(ctx, msg.Notification, alertType, msg.Data)
	case AlertUpdateInterval:
		h.updateInterval(ctx, msg.Data["interval"])
	case AlertNewToken:
		h.newToken(ctx, msg.Data["token"])
	default:
		h.notifier.Notify(ctx, msg.Notification)
	}
	return nil
}

func (h *Handler) updateInterval(ctx context.Context, raw string) {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds < 1 {
		h.logger.Debug("ignoring interval update", "interval", raw)
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := h.settings.SetLocationInterval(storeCtx, seconds); err != nil {
		h.logger.Error("failed to store pushed interval", "interval_s", seconds, "error", err)
		return
	}
	h.logger.Info("location interval updated by push", "interval_s", seconds)

	if !h.engine.Running() {
		return
	}
	if err := h.engine.UpdateInterval(seconds); err != nil {
		h.logger.Warn("failed to apply pushed interval", "interval_s", seconds, "error", err)
	}
}

func (h *Handler) newToken(ctx context.Context, token string) {
	if token == "" || h.tokens == nil {
		h.logger.Debug("ignoring token message without token")
		return
	}
	if err := h.tokens.HandleNewToken(ctx, token); err != nil {
		h.logger.Error("failed to handle new device token", "error", err)
	}
}
