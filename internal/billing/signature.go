package billing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	signatureTimestampField = "t"
	defaultSignatureWindow  = 5 * time.Minute
)

// SignatureVerifier authenticates a raw webhook payload.
type SignatureVerifier interface {
	Verify(payload []byte, header string) error
}

// StripeVerifier checks Stripe-Signature headers ("t=<unix>,v1=<hex>") with
// the stripe-go webhook package. The timestamp window is checked against the
// injected clock.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	nowFn     func() time.Time
}

// NewStripeVerifier returns a verifier for secret. A non-positive tolerance
// uses the five minute default.
func NewStripeVerifier(secret string, tolerance time.Duration, now func() time.Time) (*StripeVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = time.Now
	}
	if tolerance <= 0 {
		tolerance = defaultSignatureWindow
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance, nowFn: now}, nil
}

func (verifier *StripeVerifier) Verify(payload []byte, header string) error {
	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, verifier.secret); err != nil {
		code := errorCodeInvalid
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) {
			code = errorCodeMalformed
		}
		return ledger.WrapError(errorOperationWebhook, errorSubjectSignature, code, fmt.Errorf("%w: %v", ledger.ErrInvalidSignature, err))
	}
	signedAt, err := signatureTimestamp(header)
	if err != nil {
		return ledger.WrapError(errorOperationWebhook, errorSubjectSignature, errorCodeMalformed, fmt.Errorf("%w: %v", ledger.ErrInvalidSignature, err))
	}
	skew := verifier.nowFn().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > verifier.tolerance {
		return ledger.WrapError(errorOperationWebhook, errorSubjectSignature, errorCodeInvalid, fmt.Errorf("%w: timestamp outside tolerance", ledger.ErrInvalidSignature))
	}
	return nil
}

// Sign renders the header value Stripe would send for payload at signedAt.
func (verifier *StripeVerifier) Sign(payload []byte, signedAt time.Time) string {
	signature := webhook.ComputeSignature(signedAt, payload, verifier.secret)
	return fmt.Sprintf("%s=%d,v1=%s", signatureTimestampField, signedAt.Unix(), hex.EncodeToString(signature))
}

func signatureTimestamp(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || key != signatureTimestampField {
			continue
		}
		unix, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q is not an integer", value)
		}
		return time.Unix(unix, 0), nil
	}
	return time.Time{}, errors.New("missing timestamp")
}

// AcceptAll skips verification; intended for local development only.
type AcceptAll struct{}

func (AcceptAll) Verify([]byte, string) error { return nil }
