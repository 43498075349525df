package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signer produces per-request HMAC-SHA256 signatures over the request
// method, path, unix timestamp, and body. The relay verifies the
// signature and rejects requests whose timestamp drifts beyond its
// configured clock-skew bound, so signing fails closed.
type Signer struct {
	key []byte
}

// NewSigner creates a signer from a shared secret.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// Sign returns the hex signature for one request. The canonical form
// is the newline-joined method, path, timestamp, and raw body bytes,
// the same canonicalization the relay applies on verification.
func (s *Signer) Sign(method, path string, unixTS int64, body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(method))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(unixTS, 10)))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
