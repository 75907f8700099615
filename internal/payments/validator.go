package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoSecret         = errors.New("payments: webhook secret not configured")
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	ErrStaleTimestamp   = errors.New("payments: webhook timestamp outside window")
	ErrFutureTimestamp  = errors.New("payments: webhook timestamp in the future")
	ErrBadTimestamp     = errors.New("payments: unparseable webhook timestamp")
	ErrDuplicateWebhook = errors.New("payments: duplicate webhook")
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// DedupStore records processed webhook ids for a limited time.
type DedupStore interface {
	// MarkProcessed reports true when id was not seen within its TTL.
	MarkProcessed(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Forget removes id so a redelivery is processed again.
	Forget(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

type ValidatorConfig struct {
	Secret     string
	Window     time.Duration
	FutureSkew time.Duration
	ReceiptTTL time.Duration
}

// Validator authenticates provider webhooks and rejects replays.
type Validator struct {
	secret []byte
	window time.Duration
	skew   time.Duration
	ttl    time.Duration
	dedup  DedupStore
	now    func() time.Time
}

// NewValidator refuses to build a validator without a secret so callers
// cannot accept unsigned webhooks by accident.
func NewValidator(cfg ValidatorConfig, dedup DedupStore) (*Validator, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	if dedup == nil {
		return nil, errors.New("payments: dedup store is required")
	}
	v := &Validator{
		secret: []byte(cfg.Secret),
		window: cfg.Window,
		skew:   cfg.FutureSkew,
		ttl:    cfg.ReceiptTTL,
		dedup:  dedup,
		now:    time.Now,
	}
	if v.window <= 0 {
		v.window = 300 * time.Second
	}
	if v.skew <= 0 {
		v.skew = 60 * time.Second
	}
	if v.ttl <= 0 {
		v.ttl = 24 * time.Hour
	}
	return v, nil
}

// Sign returns the hex signature of body.
func (v *Validator) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time.
func (v *Validator) VerifySignature(body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// CheckTimestamp accepts RFC 3339 times within the window.
func (v *Validator) CheckTimestamp(ts string) error {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadTimestamp, ts)
	}
	now := v.now()
	if now.Sub(t) > v.window {
		return ErrStaleTimestamp
	}
	if t.Sub(now) > v.skew {
		return ErrFutureTimestamp
	}
	return nil
}

// Validate runs the signature, timestamp and duplicate checks in order. The
// receipt is recorded only after the first two pass.
func (v *Validator) Validate(ctx context.Context, body []byte, signature, webhookID, ts string) error {
	if !v.VerifySignature(body, signature) {
		return ErrInvalidSignature
	}
	if err := v.CheckTimestamp(ts); err != nil {
		return err
	}
	fresh, err := v.dedup.MarkProcessed(ctx, webhookID, v.ttl)
	if err != nil {
		return fmt.Errorf("record webhook receipt: %w", err)
	}
	if !fresh {
		return ErrDuplicateWebhook
	}
	return nil
}

// Forget drops a receipt after processing failed.
func (v *Validator) Forget(ctx context.Context, webhookID string) error {
	return v.dedup.Forget(ctx, webhookID)
}
