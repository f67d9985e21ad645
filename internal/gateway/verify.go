package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// Verifier authenticates inbound webhooks from the provider.
//
// The signature is HMAC-SHA256 over the raw, unparsed request body. If no
// dedicated webhook secret is configured the secret is derived from the API
// key; if neither exists verification is skipped in a loudly-logged degraded
// mode so the system keeps working during initial setup.
type Verifier struct {
	secret []byte
	log    *zap.Logger
}

func NewVerifier(webhookSecret, apiKey string, log *zap.Logger) *Verifier {
	var secret []byte
	switch {
	case webhookSecret != "":
		secret = []byte(webhookSecret)
	case apiKey != "":
		derived := sha256.Sum256([]byte("webhook:" + apiKey))
		secret = derived[:]
	}
	return &Verifier{secret: secret, log: log}
}

// Verify checks the signature header against the raw body.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) bool {
	if len(v.secret) == 0 {
		v.log.Error("SECURITY: no webhook secret configured, accepting unverified webhook")
		return true
	}
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	// Providers send the hex digest, sometimes prefixed "sha256=".
	got, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, "sha256="))
	if err != nil {
		return false
	}

	return hmac.Equal(expected, got)
}

// Enforcing reports whether signatures are actually checked.
func (v *Verifier) Enforcing() bool {
	return len(v.secret) > 0
}

// Correlation key field names in webhook payloads, in priority order.
// Payload shape varies by provider event type.
var referenceFields = []string{"reference", "external_reference", "external_id", "transaction_reference"}

// ExtractReference pulls our idempotency reference out of a webhook payload.
// Returns "" when no known field is present: unrecognized events are
// acknowledged and dropped rather than errored, so the provider does not
// retry-storm.
func ExtractReference(rawBody []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return ""
	}

	if ref := firstReference(payload); ref != "" {
		return ref
	}
	// Some providers nest the event under "data".
	if data, ok := payload["data"].(map[string]any); ok {
		return firstReference(data)
	}
	return ""
}

func firstReference(m map[string]any) string {
	for _, field := range referenceFields {
		if v, ok := m[field].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
