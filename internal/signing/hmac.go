// Package signing signs outgoing alert notifications so receivers can check
// they came from this service.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	SignatureHeader = "X-CalRelay-Signature"
	TimestampHeader = "X-CalRelay-Timestamp"
)

var (
	ErrBadSignature   = errors.New("signature mismatch")
	ErrStaleTimestamp = errors.New("timestamp outside tolerance")
)

func Sign(secret string, payload []byte, at time.Time) string {
	return "v1=" + hex.EncodeToString(digest(secret, payload, at.Unix()))
}

// SetHeaders stamps h with the signature and timestamp headers for payload.
func SetHeaders(h http.Header, secret string, payload []byte, at time.Time) {
	h.Set(TimestampHeader, strconv.FormatInt(at.Unix(), 10))
	h.Set(SignatureHeader, Sign(secret, payload, at))
}

// Verify checks a signature produced by Sign. A zero tolerance skips the
// timestamp age check.
func Verify(secret string, payload []byte, timestamp int64, signature string, now time.Time, tolerance time.Duration) error {
	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age < -tolerance || age > tolerance {
			return ErrStaleTimestamp
		}
	}
	expected := "v1=" + hex.EncodeToString(digest(secret, payload, timestamp))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func digest(secret string, payload []byte, timestamp int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return mac.Sum(nil)
}
