package app

import (
	"context"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"familytrack/device-agent/internal/api"
	"familytrack/device-agent/internal/device"
	"familytrack/device-agent/internal/pingate"
	"familytrack/device-agent/internal/reporting"
)

func (a *App) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.requestLogger())

	r.GET("/healthz", a.handleHealthz)
	r.GET("/readyz", a.handleReadyz)

	gate := r.Group("/api/gate")
	gate.GET("", a.handleGateState)
	gate.POST("/digit", a.handleGateDigit)
	gate.POST("/delete", a.handleGateDelete)
	gate.POST("/biometric", a.handleGateBiometric)

	locked := r.Group("/api", a.requireUnlocked())
	locked.GET("/status", a.handleStatus)
	locked.POST("/location/enable", a.handleLocationToggle(true))
	locked.POST("/location/disable", a.handleLocationToggle(false))
	locked.PUT("/location/interval", a.handleLocationInterval)
	locked.POST("/device/register", a.handleRegister)
	locked.POST("/security/lock", a.handleLock)
	locked.DELETE("/security/pin", a.handleClearPin)
	locked.PUT("/security/biometric", a.handleBiometricSetting)
	locked.PUT("/security/auto-lock", a.handleAutoLockSetting)

	return r
}

func (a *App) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// requireUnlocked rejects requests with 423 until the gate is passed, and re-locks a
// session idle for longer than the auto-lock setting.
func (a *App) requireUnlocked() gin.HandlerFunc {
	return func(c *gin.Context) {
		a.expireIdleSession(c.Request.Context())
		if !a.gate.Authenticated() {
			c.AbortWithStatusJSON(http.StatusLocked, gin.H{"error": "locked"})
			return
		}
		a.touch()
		c.Next()
	}
}

func (a *App) touch() {
	a.activityMu.Lock()
	defer a.activityMu.Unlock()
	a.lastActivity = a.now()
}

func (a *App) expireIdleSession(ctx context.Context) {
	if !a.gate.Authenticated() {
		return
	}
	minutes, err := a.creds.AutoLockMinutes(ctx)
	if err != nil || minutes <= 0 {
		return
	}

	a.activityMu.Lock()
	last := a.lastActivity
	a.activityMu.Unlock()

	if last.IsZero() || a.now().Sub(last) <= time.Duration(minutes)*time.Minute {
		return
	}
	a.logger.Info("session idle, locking", "auto_lock_minutes", minutes)
	if err := a.gate.Lock(ctx); err != nil {
		a.logger.Error("auto-lock failed", "error", err)
	}
}

func (a *App) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *App) handleReadyz(c *gin.Context) {
	if a.store == nil || a.store.Ping(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (a *App) gateResponse(c *gin.Context, view pingate.View) {
	if view.Authenticated {
		a.touch()
	}
	resp := gin.H{"gate": view}
	if view.Mode == pingate.ModeVerify.String() && !view.Authenticated {
		if enabled, err := a.creds.BiometricEnabled(c.Request.Context()); err == nil && enabled {
			resp["biometric"] = pingate.DefaultPrompt
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (a *App) handleGateState(c *gin.Context) {
	view, err := a.gate.State(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.gateResponse(c, view)
}

func (a *App) handleGateDigit(c *gin.Context) {
	var input struct {
		Digit string `json:"digit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil || utf8.RuneCountInString(input.Digit) != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_digit"})
		return
	}

	d, _ := utf8.DecodeRuneInString(input.Digit)
	view, err := a.gate.OnDigit(c.Request.Context(), d)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.gateResponse(c, view)
}

func (a *App) handleGateDelete(c *gin.Context) {
	view, err := a.gate.OnDelete(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.gateResponse(c, view)
}

func (a *App) handleGateBiometric(c *gin.Context) {
	var input struct {
		Outcome string `json:"outcome" binding:"required"`
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	result, err := pingate.ParseBiometricResult(input.Outcome, input.Message)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome"})
		return
	}

	view, err := a.gate.OnBiometric(c.Request.Context(), result)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.gateResponse(c, view)
}

func (a *App) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	status, err := a.device.Status(ctx)
	if err != nil {
		a.writeError(c, err)
		return
	}
	record, err := a.creds.Record(ctx)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device":    status,
		"security":  record,
		"indicator": a.host.Status(),
	})
}

func (a *App) handleLocationToggle(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.device.SetLocationEnabled(c.Request.Context(), enabled); err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"location_enabled": enabled, "running": a.engine.Running()})
	}
}

func (a *App) handleLocationInterval(c *gin.Context) {
	var input struct {
		IntervalSeconds int `json:"intervalSeconds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	resp, err := a.device.UpdateLocationInterval(c.Request.Context(), input.IntervalSeconds)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *App) handleRegister(c *gin.Context) {
	var input struct {
		UserID     int    `json:"userId"`
		DeviceName string `json:"deviceName"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
			return
		}
	}

	ctx := c.Request.Context()
	if err := a.device.SetIdentity(ctx, input.UserID, input.DeviceName); err != nil {
		a.writeError(c, err)
		return
	}
	resp, err := a.device.RegisterDevice(ctx)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *App) handleLock(c *gin.Context) {
	if err := a.gate.Lock(c.Request.Context()); err != nil {
		a.writeError(c, err)
		return
	}
	a.handleGateState(c)
}

func (a *App) handleClearPin(c *gin.Context) {
	ctx := c.Request.Context()
	if err := a.creds.ClearPin(ctx); err != nil {
		a.writeError(c, err)
		return
	}
	if err := a.gate.Lock(ctx); err != nil {
		a.writeError(c, err)
		return
	}
	a.handleGateState(c)
}

func (a *App) handleBiometricSetting(c *gin.Context) {
	var input struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	ctx := c.Request.Context()
	if *input.Enabled {
		set, err := a.creds.IsPinSet(ctx)
		if err != nil {
			a.writeError(c, err)
			return
		}
		if !set {
			c.JSON(http.StatusConflict, gin.H{"error": "pin_not_set"})
			return
		}
	}
	if err := a.creds.SetBiometricEnabled(ctx, *input.Enabled); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"biometric_enabled": *input.Enabled})
}

func (a *App) handleAutoLockSetting(c *gin.Context) {
	var input struct {
		Minutes *int `json:"minutes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil || *input.Minutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if err := a.creds.SetAutoLockMinutes(c.Request.Context(), *input.Minutes); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auto_lock_minutes": *input.Minutes})
}

func (a *App) writeError(c *gin.Context, err error) {
	var statusErr *api.StatusError
	switch {
	case errors.Is(err, reporting.ErrPermissionDenied):
		c.JSON(http.StatusConflict, gin.H{"error": "location_permission_denied"})
	case errors.Is(err, reporting.ErrInvalidInterval):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_interval"})
	case errors.Is(err, device.ErrNoDeviceToken):
		c.JSON(http.StatusConflict, gin.H{"error": "device_token_missing"})
	case errors.As(err, &statusErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "backend_rejected", "status": statusErr.StatusCode, "message": statusErr.Message})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
	default:
		a.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
