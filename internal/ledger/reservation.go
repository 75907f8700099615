package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/models"
)

var (
	// ErrReservationNotFound means neither the reservation nor a charge for
	// it exists. This indicates a bug or corrupted data.
	ErrReservationNotFound = errors.New("ledger: reservation not found")
	// ErrReservationReleased means the reservation was refunded and can no
	// longer be charged.
	ErrReservationReleased = errors.New("ledger: reservation already released")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

// ReconcileRef is the ref_id of the entry that settles the difference
// between a reservation and its final charge.
func ReconcileRef(chargeRefID string) string { return chargeRefID + "_reconcile" }

// ChargeResult describes how ChargeReserved resolved.
type ChargeResult struct {
	// AlreadyApplied is set when a previous call already charged.
	AlreadyApplied bool
	Reserved       decimal.Decimal
	Charged        decimal.Decimal
	// Reconciled is the signed correction written back (positive = refund).
	Reconciled decimal.Decimal
}

// ReleaseResult describes how a reservation release resolved.
type ReleaseResult struct {
	Released bool
	Refunded decimal.Decimal
}

// Reserve holds amount against userID under ref_id. It reports false
// without side effects when the balance is insufficient.
func (s *Service) Reserve(ctx context.Context, userID int64, amount decimal.Decimal, refID string) (bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)
	ok, err := s.ReserveTx(ctx, tx, userID, amount, refID)
	if err != nil || !ok {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ReserveTx is Reserve inside the caller's transaction. The caller must
// roll back when it reports false.
func (s *Service) ReserveTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, refID string) (bool, error) {
	if !amount.IsPositive() {
		return false, ErrInvalidAmount
	}
	if err := s.store.LockUser(ctx, tx, userID); err != nil {
		return false, fmt.Errorf("lock user: %w", err)
	}

	existing, err := s.store.FindByRef(ctx, tx, userID, models.RefReservation, refID)
	switch {
	case err == nil:
		return existing.Settlement == models.SettlementHeld, nil
	case !errors.Is(err, ErrEntryNotFound):
		return false, err
	}

	balance, err := s.store.SumTx(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	if balance.LessThan(amount) {
		s.log.Info("reservation declined", "user_id", userID, "ref_id", refID,
			"balance", balance.String(), "amount", amount.String())
		return false, nil
	}

	_, err = s.insert(ctx, tx, &models.LedgerEntry{
		UserID:      userID,
		Kind:        models.KindDebit,
		Amount:      amount.Neg(),
		RefType:     models.RefReservation,
		RefID:       refID,
		Description: "reservation " + refID,
		Settlement:  models.SettlementHeld,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ChargeReserved settles a reservation at its actual cost. It is safe to
// repeat: a second call with the same arguments changes nothing.
func (s *Service) ChargeReserved(ctx context.Context, userID int64, refID string, actual decimal.Decimal, newRefID, description string) (ChargeResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return ChargeResult{}, err
	}
	defer tx.Rollback(ctx)
	res, err := s.ChargeReservedTx(ctx, tx, userID, refID, actual, newRefID, description)
	if err != nil {
		return ChargeResult{}, err
	}
	return res, tx.Commit(ctx)
}

// ChargeReservedTx is ChargeReserved inside the caller's transaction. The
// reservation row is promoted in place to a job charge so the ledger only
// carries the final cost.
func (s *Service) ChargeReservedTx(ctx context.Context, tx pgx.Tx, userID int64, refID string, actual decimal.Decimal, newRefID, description string) (ChargeResult, error) {
	if !actual.IsPositive() {
		return ChargeResult{}, ErrInvalidAmount
	}
	if err := s.store.LockUser(ctx, tx, userID); err != nil {
		return ChargeResult{}, fmt.Errorf("lock user: %w", err)
	}

	res, err := s.store.FindByRef(ctx, tx, userID, models.RefReservation, refID)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return ChargeResult{}, err
	}
	if res == nil || res.Settlement != models.SettlementHeld {
		return s.replayedCharge(ctx, tx, userID, refID, newRefID, res)
	}

	reserved := res.Amount.Neg()
	if err := s.store.Promote(ctx, tx, res.ID, newRefID, actual.Neg(), s.now()); err != nil {
		return ChargeResult{}, fmt.Errorf("promote reservation: %w", err)
	}
	out := ChargeResult{Reserved: reserved, Charged: actual}

	delta := reserved.Sub(actual)
	if delta.Abs().GreaterThan(Epsilon) {
		kind := models.KindRefund
		if delta.IsNegative() {
			kind = models.KindDebit
		}
		if description == "" {
			description = "reconciliation " + newRefID
		}
		_, err := s.insert(ctx, tx, &models.LedgerEntry{
			UserID:      userID,
			Kind:        kind,
			Amount:      delta,
			RefType:     models.RefReconciliation,
			RefID:       ReconcileRef(newRefID),
			Description: description,
		})
		switch {
		case err == nil:
			out.Reconciled = delta
		case errors.Is(err, ErrDuplicateRef):
			s.log.Info("reconciliation already recorded", "user_id", userID, "ref_id", newRefID)
		default:
			return ChargeResult{}, fmt.Errorf("reconcile: %w", err)
		}
	}

	if err := s.notify(ctx, tx, userID); err != nil {
		return ChargeResult{}, err
	}
	return out, nil
}

// replayedCharge resolves a charge whose reservation is no longer held.
func (s *Service) replayedCharge(ctx context.Context, tx pgx.Tx, userID int64, refID, newRefID string, res *models.LedgerEntry) (ChargeResult, error) {
	job, err := s.store.FindByRef(ctx, tx, userID, models.RefJob, newRefID)
	if err == nil {
		return ChargeResult{AlreadyApplied: true, Charged: job.Amount.Neg()}, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return ChargeResult{}, err
	}
	if res != nil && res.Settlement == models.SettlementReleased {
		s.log.Error("charge attempted on released reservation", "user_id", userID, "ref_id", refID, "new_ref_id", newRefID)
		return ChargeResult{}, ErrReservationReleased
	}
	s.log.Error("reservation missing and no charge recorded", "user_id", userID, "ref_id", refID, "new_ref_id", newRefID)
	return ChargeResult{}, ErrReservationNotFound
}

// Refund appends a refund entry. It reports false when refID was already
// refunded under refType.
func (s *Service) Refund(ctx context.Context, userID int64, amount decimal.Decimal, refType models.RefType, refID, description string) (bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)
	applied, err := s.RefundTx(ctx, tx, userID, amount, refType, refID, description)
	if err != nil {
		return false, err
	}
	return applied, tx.Commit(ctx)
}

func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, refType models.RefType, refID, description string) (bool, error) {
	if !amount.IsPositive() {
		return false, ErrInvalidAmount
	}
	_, err := s.AppendTx(ctx, tx, Entry{
		UserID:      userID,
		Kind:        models.KindRefund,
		Amount:      amount,
		RefType:     refType,
		RefID:       refID,
		Description: description,
	})
	if errors.Is(err, ErrDuplicateRef) {
		return false, nil
	}
	return err == nil, err
}

// ReleaseReservationTx gives back a held reservation by flipping it to
// released and appending a refund under (refundType, refundRefID). A
// reservation that is absent or no longer held is left alone.
func (s *Service) ReleaseReservationTx(ctx context.Context, tx pgx.Tx, userID int64, refID string, refundType models.RefType, refundRefID, description string) (ReleaseResult, error) {
	if err := s.store.LockUser(ctx, tx, userID); err != nil {
		return ReleaseResult{}, fmt.Errorf("lock user: %w", err)
	}
	res, err := s.store.FindByRef(ctx, tx, userID, models.RefReservation, refID)
	if errors.Is(err, ErrEntryNotFound) {
		return ReleaseResult{}, nil
	}
	if err != nil {
		return ReleaseResult{}, err
	}
	if res.Settlement != models.SettlementHeld {
		return ReleaseResult{}, nil
	}
	if err := s.store.MarkReleased(ctx, tx, res.ID, s.now()); err != nil {
		return ReleaseResult{}, fmt.Errorf("release reservation: %w", err)
	}

	amount := res.Amount.Neg()
	_, err = s.insert(ctx, tx, &models.LedgerEntry{
		UserID:      userID,
		Kind:        models.KindRefund,
		Amount:      amount,
		RefType:     refundType,
		RefID:       refundRefID,
		Description: description,
	})
	if errors.Is(err, ErrDuplicateRef) {
		s.log.Warn("reservation flagged released but refund existed", "user_id", userID, "ref_id", refID)
		return ReleaseResult{Released: true}, s.notify(ctx, tx, userID)
	}
	if err != nil {
		return ReleaseResult{}, err
	}
	return ReleaseResult{Released: true, Refunded: amount}, nil
}

// ReleaseReservation is ReleaseReservationTx in its own transaction.
func (s *Service) ReleaseReservation(ctx context.Context, userID int64, refID string, refundType models.RefType, refundRefID, description string) (ReleaseResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer tx.Rollback(ctx)
	res, err := s.ReleaseReservationTx(ctx, tx, userID, refID, refundType, refundRefID, description)
	if err != nil {
		return ReleaseResult{}, err
	}
	return res, tx.Commit(ctx)
}
