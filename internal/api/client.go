package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RegisterDeviceRequest is the body of POST api/register.
type RegisterDeviceRequest struct {
	DeviceToken string `json:"deviceToken"`
	UserID      int    `json:"userId"`
	DeviceName  string `json:"deviceName"`
}

// RegisterDeviceResponse is returned by a successful registration.
type RegisterDeviceResponse struct {
	Status           string `json:"status"`
	DeviceID         int    `json:"deviceId"`
	LocationInterval int    `json:"locationInterval"`
	Message          string `json:"message"`
}

// LocationUpdateRequest is the body of POST api/location/update.
type LocationUpdateRequest struct {
	UserID       int     `json:"userId"`
	DeviceToken  string  `json:"deviceToken"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Accuracy     float32 `json:"accuracy"`
	Timestamp    int64   `json:"timestamp"`
	BatteryLevel *int    `json:"batteryLevel,omitempty"`
	IsCharging   *bool   `json:"isCharging,omitempty"`
}

// LocationUpdateResponse acknowledges a location upload. The server may reply with an empty body.
type LocationUpdateResponse struct {
	Status string `json:"status"`
	Alert  bool   `json:"alert"`
}

// ConfigUpdateResponse acknowledges an interval change.
type ConfigUpdateResponse struct {
	Status      string `json:"status"`
	NewInterval int    `json:"newInterval"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// Client calls the FamilyTrack backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client rooted at baseURL. A zero timeout leaves requests bounded only by ctx.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api base url scheme %q", u.Scheme)
	}

	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// RegisterDevice announces this device and its push token to the server.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (RegisterDeviceResponse, error) {
	var resp RegisterDeviceResponse
	if err := c.do(ctx, "register device", http.MethodPost, "api/register", nil, req, &resp); err != nil {
		return RegisterDeviceResponse{}, err
	}
	return resp, nil
}

// SubmitLocation uploads one location sample.
func (c *Client) SubmitLocation(ctx context.Context, req LocationUpdateRequest) (LocationUpdateResponse, error) {
	var resp LocationUpdateResponse
	if err := c.do(ctx, "submit location", http.MethodPost, "api/location/update", nil, req, &resp); err != nil {
		return LocationUpdateResponse{}, err
	}
	return resp, nil
}

// UpdateLocationInterval asks the server to change this device's reporting cadence.
func (c *Client) UpdateLocationInterval(ctx context.Context, deviceToken string, seconds int) (ConfigUpdateResponse, error) {
	query := url.Values{}
	query.Set("deviceToken", deviceToken)
	query.Set("intervalSeconds", strconv.Itoa(seconds))

	var resp ConfigUpdateResponse
	if err := c.do(ctx, "update location interval", http.MethodPost, "api/config/location-interval", query, nil, &resp); err != nil {
		return ConfigUpdateResponse{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	started := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	c.logger.Debug("api call", "op", op, "status", res.StatusCode, "request_id", requestID, "elapsed", time.Since(started))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: res.StatusCode, Message: errorMessage(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
