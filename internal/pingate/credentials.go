package pingate

import (
	"context"
	"crypto/subtle"
	"fmt"

	"familytrack/device-agent/internal/model"
	"familytrack/device-agent/internal/store"
)

const (
	KeyPinHash          = "pin_hash"
	KeyBiometricEnabled = "biometric_enabled"
	KeyAutoLockMinutes  = "auto_lock_minutes"

	DefaultAutoLockMinutes = 5
)

// SecureStore is the encrypted key/value store holding credentials.
type SecureStore interface {
	Apply(ctx context.Context, edits ...store.Edit) error
	GetString(ctx context.Context, key string) (string, bool, error)
	Contains(ctx context.Context, key string) (bool, error)
	GetBool(ctx context.Context, key string, def bool) (bool, error)
	GetInt(ctx context.Context, key string, def int) (int, error)
}

// Credentials manages the PIN hash and the biometric and auto-lock preferences.
type Credentials struct {
	prefs SecureStore
}

func NewCredentials(prefs SecureStore) *Credentials {
	return &Credentials{prefs: prefs}
}

func (c *Credentials) IsPinSet(ctx context.Context) (bool, error) {
	return c.prefs.Contains(ctx, KeyPinHash)
}

// SetPin stores the hash of pin. The raw PIN is never written.
func (c *Credentials) SetPin(ctx context.Context, pin string) error {
	if len(pin) != PinLength {
		return fmt.Errorf("pin must have %d digits", PinLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("pin must be numeric")
		}
	}
	if err := c.prefs.Apply(ctx, store.Put(KeyPinHash, HashPin(pin))); err != nil {
		return fmt.Errorf("store pin hash: %w", err)
	}
	return nil
}

// VerifyPin reports whether pin matches the stored hash; false when none is stored.
func (c *Credentials) VerifyPin(ctx context.Context, pin string) (bool, error) {
	stored, ok, err := c.prefs.GetString(ctx, KeyPinHash)
	if err != nil {
		return false, fmt.Errorf("read pin hash: %w", err)
	}
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(HashPin(pin))) == 1, nil
}

// ClearPin removes the PIN and turns biometric unlock off with it.
func (c *Credentials) ClearPin(ctx context.Context) error {
	if err := c.prefs.Apply(ctx, store.Remove(KeyPinHash), store.PutBool(KeyBiometricEnabled, false)); err != nil {
		return fmt.Errorf("clear pin: %w", err)
	}
	return nil
}

func (c *Credentials) BiometricEnabled(ctx context.Context) (bool, error) {
	return c.prefs.GetBool(ctx, KeyBiometricEnabled, false)
}

func (c *Credentials) SetBiometricEnabled(ctx context.Context, enabled bool) error {
	return c.prefs.Apply(ctx, store.PutBool(KeyBiometricEnabled, enabled))
}

func (c *Credentials) AutoLockMinutes(ctx context.Context) (int, error) {
	return c.prefs.GetInt(ctx, KeyAutoLockMinutes, DefaultAutoLockMinutes)
}

func (c *Credentials) SetAutoLockMinutes(ctx context.Context, minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("auto-lock minutes must not be negative")
	}
	return c.prefs.Apply(ctx, store.PutInt(KeyAutoLockMinutes, minutes))
}

// Record reads the whole credential record.
func (c *Credentials) Record(ctx context.Context) (model.CredentialRecord, error) {
	hash, _, err := c.prefs.GetString(ctx, KeyPinHash)
	if err != nil {
		return model.CredentialRecord{}, err
	}
	biometric, err := c.BiometricEnabled(ctx)
	if err != nil {
		return model.CredentialRecord{}, err
	}
	minutes, err := c.AutoLockMinutes(ctx)
	if err != nil {
		return model.CredentialRecord{}, err
	}
	return model.CredentialRecord{PinHash: hash, BiometricEnabled: biometric, AutoLockMinutes: minutes}, nil
}
