package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is deliberately generic so responses leak nothing about
// which check failed.
var errVerification = errors.New("webhook verification failed")

// verifyHMACSignature checks an HMAC-SHA256 signature of body in constant
// time. Accepted formats are "sha256=<hex>" (GitHub, JIRA) and bare hex.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actual, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), actual) {
		return errVerification
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	signature = strings.TrimSpace(signature)
	if algo, hexSig, ok := strings.Cut(signature, "="); ok {
		if !strings.EqualFold(algo, "sha256") {
			return nil, errors.New("unsupported signature algorithm")
		}
		signature = hexSig
	}
	return hex.DecodeString(signature)
}
