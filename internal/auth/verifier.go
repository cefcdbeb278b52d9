// Package auth verifies the authenticity and freshness of inbound webhook
// requests using an HMAC-SHA256 signature over the timestamp and body.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/botline/botline/internal/domain"
)

// Verifier validates webhook signatures with a shared secret. Pure; no side
// effects.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier. maxAge bounds the accepted clock skew in
// both directions.
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Verify checks the provided hex signature against HMAC-SHA256 over
// "<timestamp>.<body>" and rejects requests outside the freshness window.
// Comparison is constant-time.
func (v *Verifier) Verify(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return domain.ErrMalformedHeader
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return domain.ErrMalformedHeader
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrMalformedHeader
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.maxAge || age < -v.maxAge {
		return domain.ErrStaleRequest
	}

	expected := Sign(v.secret, timestamp, body)
	if !hmac.Equal(provided, expected) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign computes the raw HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex is Sign with hex encoding, the wire form of the signature header.
func SignHex(secret []byte, timestamp string, body []byte) string {
	return hex.EncodeToString(Sign(secret, timestamp, body))
}
