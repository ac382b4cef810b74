package cloudevent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sign computes the HMAC-SHA256 signature of the event's JSON encoding.
func Sign(event *CloudEvent, key string) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return hmacDigest(body, key), nil
}

// Verify reports whether signature matches the HMAC-SHA256 of payload
// under key. Receivers must verify the raw request body, not a
// re-marshalled event: JSON encoding is not canonical.
func Verify(payload []byte, signature, key string) bool {
	expected := hmacDigest(payload, key)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func hmacDigest(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
