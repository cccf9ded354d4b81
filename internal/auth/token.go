package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TokenLength is the length of generated bearer tokens in bytes
const TokenLength = 32

// GenerateBearerToken generates a cryptographically secure random bearer token.
// It returns the token (hex), its SHA-256 hash (hex) for storage, and an error.
func GenerateBearerToken() (string, string, error) {
	tokenBytes := make([]byte, TokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("generate random token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	return token, HashBearerToken(token), nil
}

// HashBearerToken hashes a bearer token for storage/lookup
func HashBearerToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
