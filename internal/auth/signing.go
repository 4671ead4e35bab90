package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxTimestampSkew bounds how old (or future-dated) a signed timestamp may
// be before verification rejects it.
const MaxTimestampSkew = 300 * time.Second

// SignPayload computes the webhook signature for the exact body bytes that
// will appear on the wire: "sha256=" + hex(HMAC-SHA256(secret, "<ts>.<body>")).
func SignPayload(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks a signature in constant time and rejects
// timestamps older or newer than MaxTimestampSkew relative to now.
func VerifySignature(secret string, timestamp int64, body []byte, signature string, now time.Time) bool {
	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxTimestampSkew/time.Second) {
		return false
	}
	expected := SignPayload(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
