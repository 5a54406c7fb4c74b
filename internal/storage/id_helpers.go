package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateID returns a short opaque identifier suitable for share links.
// Eight hex characters keep URLs compact; callers retry on the rare collision
// surfaced by Put.
func GenerateID() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
