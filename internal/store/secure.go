package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const securePrefsSalt = "familytrack/secure_prefs/v1"

// SecurePrefs is an encrypted-at-rest key/value store backed by the secure_prefs table.
// Key names are stored as HMAC tokens and values are sealed with AES-256-GCM; the sealed
// value is bound to its name so rows cannot be swapped between keys.
type SecurePrefs struct {
	store   *Store
	aead    cipher.AEAD
	nameKey []byte
}

// NewSecurePrefs derives the value and name keys from secret.
func NewSecurePrefs(s *Store, secret string) (*SecurePrefs, error) {
	if secret == "" {
		return nil, fmt.Errorf("secure prefs: empty secret")
	}

	kdf := hkdf.New(sha256.New, []byte(secret), []byte(securePrefsSalt), []byte("familytrack secure prefs"))
	valueKey := make([]byte, 32)
	nameKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, valueKey); err != nil {
		return nil, fmt.Errorf("derive value key: %w", err)
	}
	if _, err := io.ReadFull(kdf, nameKey); err != nil {
		return nil, fmt.Errorf("derive name key: %w", err)
	}

	block, err := aes.NewCipher(valueKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &SecurePrefs{store: s, aead: aead, nameKey: nameKey}, nil
}

// Edit is a single put or remove applied by Apply.
type Edit struct {
	key    string
	value  string
	remove bool
}

// Put sets key to value.
func Put(key, value string) Edit { return Edit{key: key, value: value} }

// PutBool sets key to a boolean value.
func PutBool(key string, v bool) Edit { return Put(key, strconv.FormatBool(v)) }

// PutInt sets key to an integer value.
func PutInt(key string, v int) Edit { return Put(key, strconv.Itoa(v)) }

// Remove deletes key.
func Remove(key string) Edit { return Edit{key: key, remove: true} }

// Apply commits all edits in a single transaction.
func (p *SecurePrefs) Apply(ctx context.Context, edits ...Edit) error {
	if p.store.db == nil {
		return fmt.Errorf("store not initialized")
	}

	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("secure prefs begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range edits {
		name := p.nameToken(e.key)
		if e.remove {
			if _, err := tx.ExecContext(ctx, `DELETE FROM secure_prefs WHERE name = ?;`, name); err != nil {
				return fmt.Errorf("secure prefs remove: %w", err)
			}
			continue
		}

		sealed, err := p.seal(name, e.value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO secure_prefs (name, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
			name,
			sealed,
		); err != nil {
			return fmt.Errorf("secure prefs put: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("secure prefs commit: %w", err)
	}
	return nil
}

// GetString returns the decrypted value for key and whether it exists.
func (p *SecurePrefs) GetString(ctx context.Context, key string) (string, bool, error) {
	if p.store.db == nil {
		return "", false, fmt.Errorf("store not initialized")
	}

	name := p.nameToken(key)
	var sealed []byte
	err := p.store.db.QueryRowContext(ctx, `SELECT value FROM secure_prefs WHERE name = ?;`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("secure prefs get: %w", err)
	}

	value, err := p.open(name, sealed)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Contains reports whether key has a stored value.
func (p *SecurePrefs) Contains(ctx context.Context, key string) (bool, error) {
	_, ok, err := p.GetString(ctx, key)
	return ok, err
}

// GetBool returns the stored boolean or def when absent or unparsable.
func (p *SecurePrefs) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := p.GetString(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	return parseBool(v, def), nil
}

// GetInt returns the stored integer or def when absent or unparsable.
func (p *SecurePrefs) GetInt(ctx context.Context, key string, def int) (int, error) {
	v, ok, err := p.GetString(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	return parseInt(v, def), nil
}

func (p *SecurePrefs) nameToken(key string) string {
	mac := hmac.New(sha256.New, p.nameKey)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *SecurePrefs) seal(name, value string) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return p.aead.Seal(nonce, nonce, []byte(value), []byte(name)), nil
}

func (p *SecurePrefs) open(name string, sealed []byte) (string, error) {
	nonceSize := p.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("secure prefs: ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return "", fmt.Errorf("secure prefs: decrypt: %w", err)
	}
	return string(plaintext), nil
}
