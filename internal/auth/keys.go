package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// GenerateAPIKey mints an environment API key. The prefix makes the
// environment type visible to operators; only the hash is stored.
func GenerateAPIKey(prefix string) string {
	secret := make([]byte, 24)
	rand.Read(secret)
	return "rp_" + prefix + "_" + hex.EncodeToString(secret)
}
