package secrets

import (
	"crypto/rand"
	"encoding/hex"
)

// NewWebhookSecret returns a 64-char hex string suitable as a per-branch
// HMAC shared secret. Generated once on first config save.
func NewWebhookSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
