// Package crypto provides HMAC request signing for exchange REST APIs and the
// PBKDF2+AES-GCM codec for encrypted secret files.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HMACAuth holds the API credentials for HMAC-SHA256 signed requests against
// a spot exchange REST API (Binance-style query signing).
type HMACAuth struct {
	Key    string // API key, sent as a header
	Secret string // API secret, the HMAC key
}

// SignQuery appends timestamp and signature parameters to a query string the
// way Binance signed endpoints expect: the signature is HMAC-SHA256 over the
// final query string (including the timestamp), hex encoded.
func (h *HMACAuth) SignQuery(params url.Values) url.Values {
	return h.SignQueryAt(params, time.Now().UnixMilli())
}

// SignQueryAt is like SignQuery but lets the caller supply the millisecond
// timestamp (useful for deterministic testing).
func (h *HMACAuth) SignQueryAt(params url.Values, unixMilli int64) url.Values {
	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	signed.Set("timestamp", strconv.FormatInt(unixMilli, 10))
	signed.Set("signature", hmacSHA256Hex([]byte(h.Secret), signed.Encode()))
	return signed
}

// HeaderKey returns the API-key header name/value pair.
func (h *HMACAuth) HeaderKey() (name, value string) {
	return "X-MBX-APIKEY", h.Key
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result hex encoded.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
