package pingate

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPin returns the lower-case hex SHA-256 of pin, the form stored under pin_hash.
func HashPin(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}
