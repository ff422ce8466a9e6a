package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifySourceSignature authenticates a webhook call. The signature covers
// timestamp + "\n" + raw body with the source's shared secret; the timestamp
// bounds replay. Verification happens on the raw bytes, before any parsing.
func verifySourceSignature(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing signature headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid signature timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "request outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "signature mismatch"}
	}
	return nil
}

// authorizeBearer checks a static bearer token. Used for the preview and
// admin surfaces, which model the trusted-caller side of the routing rule.
func authorizeBearer(authHeader, expectedToken string) *authError {
	if expectedToken == "" {
		return &authError{status: 403, code: "forbidden", message: "endpoint disabled: no token configured"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(raw), []byte(expectedToken)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "bearer token mismatch"}
	}
	return nil
}
