package workflow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewToken returns a fresh resumption token. The token is an opaque
// capability: holding it is the only way to resume the parked execution,
// and the engine consumes it on first delivery.
func NewToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate resumption token: %w", err)
	}
	return "rt-" + hex.EncodeToString(b[:]), nil
}
