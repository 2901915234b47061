// Package signature verifies payment provider webhook signatures.
//
// The x-signature header has the form "ts=<unix seconds>,v1=<hex hmac>" where the
// HMAC-SHA256 is computed over "<ts>.<data.id>". Older integrations send
// "sha256=<hex>" computed over the raw body instead.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSecret      = errors.New("webhook secret not configured")
	ErrMissingHeaders     = errors.New("missing x-signature or x-request-id header")
	ErrMalformedSignature = errors.New("malformed x-signature header")
	ErrInvalidBody        = errors.New("request body is not valid JSON")
	ErrMissingDataID      = errors.New("missing or invalid data.id")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrStale              = errors.New("signature timestamp outside the allowed window")
)

// DefaultWindow is the replay window applied by callers.
const DefaultWindow = 300 * time.Second

// Result is the outcome of Verify. Callers must check Valid.
type Result struct {
	Valid     bool
	DataID    string
	Timestamp int64
	Err       error
}

type header struct {
	ts     string
	v1     string
	legacy string
}

func parseHeader(xSignature string) header {
	var h header
	for _, part := range strings.Split(xSignature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			h.ts = strings.TrimSpace(v)
		case "v1":
			h.v1 = strings.TrimSpace(v)
		case "sha256":
			h.legacy = strings.TrimSpace(v)
		}
	}
	return h
}

// ParseTimestamp extracts the ts component of an x-signature header.
func ParseTimestamp(xSignature string) (int64, error) {
	h := parseHeader(xSignature)
	if h.ts == "" {
		return 0, ErrMalformedSignature
	}
	ts, err := strconv.ParseInt(h.ts, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad ts %q", ErrMalformedSignature, h.ts)
	}
	return ts, nil
}

// CheckFreshness rejects timestamps further than window from now in either direction.
func CheckFreshness(ts int64, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultWindow
	}
	diff := now.Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	if time.Duration(diff)*time.Second > window {
		return fmt.Errorf("%w: %ds", ErrStale, diff)
	}
	return nil
}

// ExtractDataID returns data.id from a notification body as a string.
func ExtractDataID(body []byte) (string, error) {
	var payload struct {
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ErrInvalidBody
	}

	raw := strings.TrimSpace(string(payload.Data.ID))
	if raw == "" {
		return "", ErrMissingDataID
	}

	var id string
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(payload.Data.ID, &id); err != nil {
			return "", ErrMissingDataID
		}
	} else {
		id = raw
	}

	id = strings.TrimSpace(id)
	switch id {
	case "", "null", "undefined":
		return "", ErrMissingDataID
	}
	if strings.HasPrefix(id, "{") || strings.HasPrefix(id, "[") {
		return "", ErrMissingDataID
	}
	return id, nil
}

// Sign computes the v1 digest for ts and dataID.
func Sign(ts int64, dataID, secret string) string {
	return hmacHex([]byte(fmt.Sprintf("%d.%s", ts, dataID)), secret)
}

// Header builds an x-signature header value.
func Header(ts int64, dataID, secret string) string {
	return fmt.Sprintf("ts=%d,v1=%s", ts, Sign(ts, dataID, secret))
}

// SignBody computes the legacy digest over the raw body.
func SignBody(body []byte, secret string) string {
	return hmacHex(body, secret)
}

// Verify checks x-signature against the body. It never panics and reports every
// failure through Result.Err.
func Verify(body []byte, xSignature, xRequestID, secret string) Result {
	if secret == "" {
		return Result{Err: ErrMissingSecret}
	}
	if strings.TrimSpace(xSignature) == "" || strings.TrimSpace(xRequestID) == "" {
		return Result{Err: ErrMissingHeaders}
	}

	h := parseHeader(xSignature)
	if h.ts == "" || h.v1 == "" {
		if h.legacy != "" && equalHex(SignBody(body, secret), h.legacy) {
			id, _ := ExtractDataID(body)
			return Result{Valid: true, DataID: id}
		}
		return Result{Err: ErrMalformedSignature}
	}

	dataID, err := ExtractDataID(body)
	if err != nil {
		return Result{Err: err}
	}

	ts, _ := strconv.ParseInt(h.ts, 10, 64)
	expected := hmacHex([]byte(h.ts+"."+dataID), secret)
	if equalHex(expected, h.v1) {
		return Result{Valid: true, DataID: dataID, Timestamp: ts}
	}

	if h.legacy != "" && equalHex(SignBody(body, secret), h.legacy) {
		return Result{Valid: true, DataID: dataID, Timestamp: ts}
	}

	return Result{DataID: dataID, Timestamp: ts, Err: ErrSignatureMismatch}
}

func hmacHex(msg []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}
