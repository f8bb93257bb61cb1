package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC of an inbound delivery, in the form
// "sha256=<hex digest>".
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// SignPayload computes the hex-encoded HMAC-SHA256 of the payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery signature against the payload using a
// constant-time comparison. The "sha256=" prefix on the signature is
// optional.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, signaturePrefix)
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
