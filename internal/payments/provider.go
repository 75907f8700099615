package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/config"
	"github.com/reibot/backend/internal/retry"
)

// Provider payment statuses.
const (
	ProviderPending   = "pending"
	ProviderWaiting   = "waiting_for_capture"
	ProviderSucceeded = "succeeded"
	ProviderCanceled  = "canceled"
)

var ErrProviderDisabled = errors.New("payments: provider credentials not configured")

// ProviderPayment is the provider's view of one payment.
type ProviderPayment struct {
	ID              string
	Status          string
	Paid            bool
	Amount          decimal.Decimal
	UserID          int64
	ConfirmationURL string
	ExpiresAt       *time.Time
}

// Provider creates and looks up payments at the payment provider.
type Provider interface {
	CreatePayment(ctx context.Context, userID int64, amount decimal.Decimal, description string) (*ProviderPayment, error)
	GetPayment(ctx context.Context, id string) (*ProviderPayment, error)
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment provider returned %d: %s", e.Code, e.Body)
}

// HTTPProvider talks to a YooKassa-compatible REST API with basic auth.
type HTTPProvider struct {
	baseURL    string
	shopID     string
	secretKey  string
	returnURL  string
	HTTPClient *http.Client
	Logger     *slog.Logger
	policy     retry.Policy
}

func NewHTTPProvider(cfg config.PaymentConfig, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		shopID:     cfg.ShopID,
		secretKey:  cfg.SecretKey,
		returnURL:  cfg.ReturnURL,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		Logger:     logger,
		policy:     retry.Default(),
	}
}

var _ Provider = (*HTTPProvider)(nil)

type apiAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type apiPayment struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       apiAmount         `json:"amount"`
	Metadata     map[string]string `json:"metadata"`
	ExpiresAt    *time.Time        `json:"expires_at"`
	Confirmation *struct {
		URL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

type createRequest struct {
	Amount       apiAmount         `json:"amount"`
	Confirmation map[string]string `json:"confirmation"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
}

func (p *HTTPProvider) enabled() bool { return p.shopID != "" && p.secretKey != "" }

// CreatePayment keeps one idempotence key across retries so the provider
// never opens two payments for one call.
func (p *HTTPProvider) CreatePayment(ctx context.Context, userID int64, amount decimal.Decimal, description string) (*ProviderPayment, error) {
	if !p.enabled() {
		return nil, ErrProviderDisabled
	}
	body, err := json.Marshal(createRequest{
		Amount:       apiAmount{Value: amount.StringFixed(2), Currency: "RUB"},
		Confirmation: map[string]string{"type": "redirect", "return_url": p.returnURL},
		Capture:      true,
		Description:  description,
		Metadata:     map[string]string{"user_id": strconv.FormatInt(userID, 10)},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}
	key := uuid.NewString()

	var out apiPayment
	err = retry.Do(ctx, p.Logger, p.policy, "create payment", retryableHTTP, func(ctx context.Context) error {
		return p.do(ctx, http.MethodPost, p.baseURL+"/payments", body, key, &out)
	})
	if err != nil {
		return nil, err
	}
	p.Logger.Info("payment created", "provider_payment_id", out.ID, "user_id", userID, "amount", amount.String())
	return toProviderPayment(&out)
}

func (p *HTTPProvider) GetPayment(ctx context.Context, id string) (*ProviderPayment, error) {
	if !p.enabled() {
		return nil, ErrProviderDisabled
	}
	var out apiPayment
	err := retry.Do(ctx, p.Logger, p.policy, "get payment", retryableHTTP, func(ctx context.Context) error {
		return p.do(ctx, http.MethodGet, p.baseURL+"/payments/"+id, nil, "", &out)
	})
	if err != nil {
		return nil, err
	}
	return toProviderPayment(&out)
}

func (p *HTTPProvider) do(ctx context.Context, method, url string, body []byte, idemKey string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("create provider request: %w", err)
	}
	req.SetBasicAuth(p.shopID, p.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotence-Key", idemKey)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

// retryableHTTP retries network errors, 429 and 5xx.
func retryableHTTP(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func toProviderPayment(a *apiPayment) (*ProviderPayment, error) {
	amount, err := decimal.NewFromString(a.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("parse provider amount %q: %w", a.Amount.Value, err)
	}
	p := &ProviderPayment{
		ID:        a.ID,
		Status:    a.Status,
		Paid:      a.Paid,
		Amount:    amount,
		ExpiresAt: a.ExpiresAt,
	}
	if a.Confirmation != nil {
		p.ConfirmationURL = a.Confirmation.URL
	}
	if v, ok := a.Metadata["user_id"]; ok {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.UserID = id
		}
	}
	return p, nil
}
