// Package payments ingests provider payments: webhook authentication and
// replay protection, and at-most-once crediting of the ledger.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/models"
	"github.com/reibot/backend/internal/retry"
)

var (
	ErrPaymentNotFound = errors.New("payments: payment not found")
	ErrPaymentExists   = errors.New("payments: payment already exists")
	ErrInvalidAmount   = errors.New("payments: amount must be positive")
	ErrMissingUser     = errors.New("payments: notification carries no user id")
	// ErrPaymentNotPending means a paid transition was attempted on a payment
	// that is no longer pending.
	ErrPaymentNotPending = errors.New("payments: payment is not pending")
)

// Notification events the service acts on.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
	EventRefundSucceeded  = "refund.succeeded"
)

// Repo is the payment storage the service needs.
type Repo interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByProviderID(ctx context.Context, providerID string) (*models.Payment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, providerID string) (*models.Payment, error)
	MarkPaidTx(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error
	SetStatusTx(ctx context.Context, tx pgx.Tx, id int64, status models.PaymentStatus) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Payment, error)
}

// Ledger is the subset of the ledger service used for crediting.
type Ledger interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e ledger.Entry) (int64, error)
	BalanceTx(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error)
}

// CreditResult is the outcome of crediting one payment.
type CreditResult struct {
	AlreadyProcessed bool
	UserID           int64
	Amount           decimal.Decimal
	NewBalance       decimal.Decimal
}

// Notification is the provider's webhook body.
type Notification struct {
	ID        string             `json:"id"`
	Event     string             `json:"event"`
	CreatedAt string             `json:"created_at"`
	Object    NotificationObject `json:"object"`
}

type NotificationObject struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id,omitempty"`
	Status    string            `json:"status"`
	Paid      bool              `json:"paid"`
	Amount    *apiAmount        `json:"amount,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PaymentRef returns the payment a notification concerns; refund objects
// reference it through payment_id.
func (n *Notification) PaymentRef() string {
	if n.Event == EventRefundSucceeded && n.Object.PaymentID != "" {
		return n.Object.PaymentID
	}
	return n.Object.ID
}

type Service struct {
	db       database.TxBeginner
	repo     Repo
	ledger   Ledger
	provider Provider
	log      *slog.Logger
	policy   retry.Policy
	now      func() time.Time
}

func NewService(db database.TxBeginner, repo Repo, l Ledger, provider Provider, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, repo: repo, ledger: l, provider: provider, log: log, policy: retry.Default(), now: time.Now}
}

// CreatePayment opens a payment at the provider and records it as pending.
func (s *Service) CreatePayment(ctx context.Context, userID int64, amount decimal.Decimal) (*models.Payment, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	pp, err := s.provider.CreatePayment(ctx, userID, amount, fmt.Sprintf("Balance top-up %s RUB", amount.StringFixed(2)))
	if err != nil {
		return nil, err
	}
	p := &models.Payment{
		ProviderPaymentID: pp.ID,
		UserID:            userID,
		Amount:            amount,
		Status:            models.PaymentPending,
		ExpiresAt:         pp.ExpiresAt,
	}
	if pp.ConfirmationURL != "" {
		u := pp.ConfirmationURL
		p.ConfirmationURL = &u
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("store payment: %w", err)
	}
	return p, nil
}

// ProcessPaidPayment credits the payment once. Replays return
// AlreadyProcessed with the current balance.
func (s *Service) ProcessPaidPayment(ctx context.Context, providerID string) (CreditResult, error) {
	var res CreditResult
	err := retry.Do(ctx, s.log, s.policy, "process paid payment", database.IsTransient, func(ctx context.Context) error {
		var err error
		res, err = s.processPaid(ctx, providerID)
		return err
	})
	if err != nil {
		return CreditResult{}, err
	}
	return res, nil
}

func (s *Service) processPaid(ctx context.Context, providerID string) (CreditResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return CreditResult{}, err
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, providerID)
	if err != nil {
		return CreditResult{}, err
	}
	res := CreditResult{UserID: p.UserID, Amount: p.Amount}

	switch p.Status {
	case models.PaymentPaid:
		return s.replayed(ctx, tx, res)
	case models.PaymentRefunded, models.PaymentCanceled:
		// Closed payments are never credited again, even by a late success.
		s.log.Warn("success for closed payment ignored", "provider_payment_id", providerID, "status", p.Status)
		return s.replayed(ctx, tx, res)
	}

	_, err = s.ledger.AppendTx(ctx, tx, ledger.Entry{
		UserID:      p.UserID,
		Kind:        models.KindCredit,
		Amount:      p.Amount,
		RefType:     models.RefPayment,
		RefID:       providerID,
		Description: "balance top-up " + providerID,
	})
	if errors.Is(err, ledger.ErrDuplicateRef) {
		s.log.Warn("payment credit existed while status was not paid", "provider_payment_id", providerID, "status", p.Status)
		if err := s.repo.MarkPaidTx(ctx, tx, p.ID, s.now()); err != nil {
			return CreditResult{}, err
		}
		res.AlreadyProcessed = true
		if res.NewBalance, err = s.ledger.BalanceTx(ctx, tx, p.UserID); err != nil {
			return CreditResult{}, err
		}
		return res, tx.Commit(ctx)
	}
	if err != nil {
		return CreditResult{}, fmt.Errorf("credit ledger: %w", err)
	}

	if err := s.repo.MarkPaidTx(ctx, tx, p.ID, s.now()); err != nil {
		return CreditResult{}, fmt.Errorf("mark paid: %w", err)
	}
	if res.NewBalance, err = s.ledger.BalanceTx(ctx, tx, p.UserID); err != nil {
		return CreditResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return CreditResult{}, err
	}
	s.log.Info("payment credited", "provider_payment_id", providerID, "user_id", p.UserID,
		"amount", p.Amount.String(), "balance", res.NewBalance.String())
	return res, nil
}

func (s *Service) replayed(ctx context.Context, tx pgx.Tx, res CreditResult) (CreditResult, error) {
	bal, err := s.ledger.BalanceTx(ctx, tx, res.UserID)
	if err != nil {
		return CreditResult{}, err
	}
	res.AlreadyProcessed = true
	res.NewBalance = bal
	return res, nil
}

// Reverse records a cancellation or refund. A payment that was credited is
// debited once under payment_refund.
func (s *Service) Reverse(ctx context.Context, providerID string, status models.PaymentStatus) (reversed bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, providerID)
	if err != nil {
		return false, err
	}
	wasPaid := p.Status == models.PaymentPaid
	// refunded is final; a later cancel must not overwrite it.
	if p.Status != status && p.Status != models.PaymentRefunded {
		if err := s.repo.SetStatusTx(ctx, tx, p.ID, status); err != nil {
			return false, err
		}
	}
	if wasPaid {
		_, err = s.ledger.AppendTx(ctx, tx, ledger.Entry{
			UserID:      p.UserID,
			Kind:        models.KindDebit,
			Amount:      p.Amount.Neg(),
			RefType:     models.RefPaymentRefund,
			RefID:       providerID,
			Description: "payment reversal " + providerID,
		})
		switch {
		case err == nil:
			reversed = true
		case errors.Is(err, ledger.ErrDuplicateRef):
			s.log.Info("payment reversal already applied", "provider_payment_id", providerID)
		default:
			return false, fmt.Errorf("debit ledger: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	if reversed {
		s.log.Warn("credited payment reversed", "provider_payment_id", providerID, "user_id", p.UserID, "amount", p.Amount.String())
	}
	return reversed, nil
}

// HandleNotification applies one authenticated webhook.
func (s *Service) HandleNotification(ctx context.Context, n *Notification) error {
	providerID := n.PaymentRef()
	switch n.Event {
	case EventPaymentSucceeded:
		if n.Object.Status != ProviderSucceeded {
			s.log.Info("ignoring succeeded event with unexpected status", "provider_payment_id", providerID, "status", n.Object.Status)
			return nil
		}
		if err := s.ensurePayment(ctx, n); err != nil {
			return err
		}
		res, err := s.ProcessPaidPayment(ctx, providerID)
		if err != nil {
			return err
		}
		if res.AlreadyProcessed {
			s.log.Info("payment already credited", "provider_payment_id", providerID)
		}
		return nil

	case EventPaymentCanceled, EventRefundSucceeded:
		status := models.PaymentCanceled
		if n.Event == EventRefundSucceeded {
			status = models.PaymentRefunded
		}
		_, err := s.Reverse(ctx, providerID, status)
		if errors.Is(err, ErrPaymentNotFound) {
			s.log.Warn("reversal for unknown payment", "provider_payment_id", providerID, "event", n.Event)
			return nil
		}
		return err
	}
	s.log.Info("ignoring webhook event", "event", n.Event, "provider_payment_id", providerID)
	return nil
}

// ensurePayment creates the payment row from the notification when the
// webhook arrives before CreatePayment stored it.
func (s *Service) ensurePayment(ctx context.Context, n *Notification) error {
	_, err := s.repo.GetByProviderID(ctx, n.Object.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return err
	}
	userID, amount, err := notificationPayer(n)
	if err != nil {
		return err
	}
	err = s.repo.Create(ctx, &models.Payment{
		ProviderPaymentID: n.Object.ID,
		UserID:            userID,
		Amount:            amount,
		Status:            models.PaymentPending,
	})
	if errors.Is(err, ErrPaymentExists) {
		return nil
	}
	return err
}

func notificationPayer(n *Notification) (int64, decimal.Decimal, error) {
	pp, err := toProviderPayment(&apiPayment{
		ID:       n.Object.ID,
		Amount:   derefAmount(n.Object.Amount),
		Metadata: n.Object.Metadata,
	})
	if err != nil {
		return 0, decimal.Zero, err
	}
	if pp.UserID == 0 {
		return 0, decimal.Zero, ErrMissingUser
	}
	if !pp.Amount.IsPositive() {
		return 0, decimal.Zero, ErrInvalidAmount
	}
	return pp.UserID, pp.Amount, nil
}

func derefAmount(a *apiAmount) apiAmount {
	if a == nil {
		return apiAmount{Value: "0"}
	}
	return *a
}

// CheckStatus polls the provider and converges the local record with it.
func (s *Service) CheckStatus(ctx context.Context, providerID string) (*models.Payment, error) {
	p, err := s.repo.GetByProviderID(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentPending {
		return p, nil
	}
	pp, err := s.provider.GetPayment(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("query provider: %w", err)
	}
	switch {
	case pp.Status == ProviderSucceeded && pp.Paid:
		if _, err := s.ProcessPaidPayment(ctx, providerID); err != nil {
			return nil, err
		}
	case pp.Status == ProviderCanceled:
		if _, err := s.Reverse(ctx, providerID, models.PaymentCanceled); err != nil {
			return nil, err
		}
	default:
		return p, nil
	}
	return s.repo.GetByProviderID(ctx, providerID)
}

// History lists a user's newest payments.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]*models.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

var _ Processor = (*Service)(nil)
