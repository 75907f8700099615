package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentCanceled PaymentStatus = "canceled"
	PaymentRefunded PaymentStatus = "refunded"
)

type Payment struct {
	ID                int64           `json:"id"`
	ProviderPaymentID string          `json:"provider_payment_id"`
	UserID            int64           `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            PaymentStatus   `json:"status"`
	ConfirmationURL   *string         `json:"confirmation_url,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
}

// PricingOverride replaces the configured price of one provider action.
type PricingOverride struct {
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Action    string          `json:"action"`
	PriceRUB  decimal.Decimal `json:"price_rub"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}
