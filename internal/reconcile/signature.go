package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownProvider  = errors.New("unknown webhook provider")
)

// Verifier authenticates provider notifications. The signature is the hex
// HMAC-SHA256 of "<unix timestamp>.<raw body>" under the provider's secret.
type Verifier struct {
	secrets   map[string]string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier returns a Verifier. A zero tolerance disables the timestamp
// window check.
func NewVerifier(secrets map[string]string, tolerance time.Duration) *Verifier {
	return &Verifier{secrets: secrets, tolerance: tolerance, now: time.Now}
}

// Sign computes the signature a provider would send. Used by tests and the
// local webhook simulator.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature and timestamp freshness.
func (v *Verifier) Verify(provider, timestamp, signature string, body []byte) error {
	secret, ok := v.secrets[provider]
	if !ok || secret == "" {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	want, _ := hex.DecodeString(Sign(secret, ts, body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}
