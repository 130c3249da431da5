package download

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TokenLength is the length of a download token in hex characters.
const TokenLength = 64

// GenerateToken returns a 256-bit random token encoded as lowercase hex.
// Tokens are unguessable bearer credentials; possession is the only
// authorization a download requires.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate download token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidTokenFormat cheaply rejects strings that cannot be a token before any
// store lookup happens.
func ValidTokenFormat(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
