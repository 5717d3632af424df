// Package auth manages the daemon's shared-secret authentication token:
// generation from a cryptographically secure source, owner-only storage, and
// constant-time validation.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenBytes is the raw token size; the stored form is hex, twice as long.
const TokenBytes = 32

// ErrNoToken is returned when no usable token is stored. A missing, empty, or
// wrong-length token file all mean "unauthenticated daemon", not a failure.
var ErrNoToken = errors.New("no token")

// Generate returns a new hex-encoded random token.
func Generate() (string, error) {
	raw := make([]byte, TokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Write stores the token at path with owner-only permissions, creating parent
// directories owner-only as well.
func Write(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Read loads the stored token. Missing, empty, or malformed files yield
// ErrNoToken.
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if len(token) != TokenBytes*2 {
		return "", ErrNoToken
	}
	if _, err := hex.DecodeString(token); err != nil {
		return "", ErrNoToken
	}
	return token, nil
}

// Equal compares two tokens in constant time. Length mismatch is a plain
// failure; ConstantTimeCompare already requires equal lengths.
func Equal(a, b string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
