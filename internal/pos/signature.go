package pos

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks an HMAC-SHA256 webhook signature against the exact
// raw body bytes received. Both "sha256=<hex>" and bare hex header values are
// accepted. The comparison is constant-time and the function never fails
// loudly: any malformed input is simply an invalid signature.
func VerifySignature(rawBody []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	incoming := strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(incoming)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}
