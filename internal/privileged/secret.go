package privileged

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// GenerateSecret produces a fresh random elevation secret. The caller shows
// it to the operator once; only the hash is ever stored.
func GenerateSecret() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// HashSecret returns the bcrypt hash to store at rest.
func HashSecret(secret string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}
	return hash, nil
}

// VerifySecret compares a presented secret against the stored hash.
func VerifySecret(hash []byte, secret string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

// SaveSecretHash writes the hash to path with owner-only permissions.
func SaveSecretHash(path string, hash []byte) error {
	if err := os.WriteFile(path, hash, 0600); err != nil {
		return fmt.Errorf("write secret file: %w", err)
	}
	return nil
}

// LoadSecretHash reads the stored hash back.
func LoadSecretHash(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	return bytes.TrimSpace(data), nil
}
