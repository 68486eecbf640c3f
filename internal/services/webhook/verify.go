package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	stripewebhook "github.com/stripe/stripe-go/v80/webhook"
)

// Signature headers per provider; providers not listed use DefaultSignatureHeader
const (
	DefaultSignatureHeader = "X-Signature"
	NMISignatureHeader     = "Webhook-Signature"
	StripeSignatureHeader  = "Stripe-Signature"
)

// DefaultStripeTolerance is how old a signed stripe timestamp may be
const DefaultStripeTolerance = 5 * time.Minute

// SignatureHeader returns the header a provider signs deliveries with
func SignatureHeader(provider string) string {
	switch provider {
	case ProviderNMI:
		return NMISignatureHeader
	case ProviderStripe:
		return StripeSignatureHeader
	default:
		return DefaultSignatureHeader
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC checks the provider signature header against the raw body.
// The digest may be hex or base64 encoded, optionally prefixed with "sha256=".
func verifyHMAC(provider, secret string, headers http.Header, body []byte) error {
	provided := strings.TrimSpace(headers.Get(SignatureHeader(provider)))
	provided = strings.TrimPrefix(provided, "sha256=")
	if provided == "" {
		return signatureError("missing signature", nil)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, digest := range decodeDigest(provided) {
		if hmac.Equal(digest, expected) {
			return nil
		}
	}
	return signatureError("signature mismatch", nil)
}

// decodeDigest returns every reading of s as a hex or base64 digest
func decodeDigest(s string) [][]byte {
	var out [][]byte
	if b, err := hex.DecodeString(s); err == nil {
		out = append(out, b)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// verifyStripe checks the Stripe-Signature header, its timestamp tolerance
// and the payload shape
func verifyStripe(secret string, tolerance time.Duration, headers http.Header, body []byte) error {
	_, err := stripewebhook.ConstructEventWithOptions(body, headers.Get(StripeSignatureHeader), secret,
		stripewebhook.ConstructEventOptions{
			Tolerance:                tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return signatureError("stripe signature rejected", err)
	}
	return nil
}

// signatureError matches domain.ErrSignatureInvalid under errors.Is
func signatureError(reason string, cause error) error {
	return domain.WrapError(domain.ErrorCodeSignatureInvalid, domain.ErrSignatureInvalid.Message, cause).
		WithDetail("reason", reason)
}
