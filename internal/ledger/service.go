package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/models"
)

var (
	// ErrDuplicateRef means an entry with the same (user, ref_type, ref_id)
	// exists. Callers treat it as "already applied".
	ErrDuplicateRef   = errors.New("ledger: duplicate ref")
	ErrZeroAmount     = errors.New("ledger: amount must not be zero")
	ErrAmountSign     = errors.New("ledger: amount sign does not match entry kind")
	ErrEntryNotFound  = errors.New("ledger: entry not found")
	ErrInvalidRefType = errors.New("ledger: ref type not allowed here")
)

// Epsilon is the smallest balance difference treated as real money.
var Epsilon = decimal.RequireFromString("0.01")

// migrationRefID keys the one-time legacy balance credit.
const migrationRefID = "legacy_balance"

// Store is the persistence the ledger service runs against.
type Store interface {
	database.TxBeginner
	LockUser(ctx context.Context, tx pgx.Tx, userID int64) error
	Insert(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	FindByRef(ctx context.Context, tx pgx.Tx, userID int64, refType models.RefType, refID string) (*models.LedgerEntry, error)
	Promote(ctx context.Context, tx pgx.Tx, id int64, newRefID string, amount decimal.Decimal, at time.Time) error
	MarkReleased(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error
	SumTx(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error)
	Sum(ctx context.Context, userID int64) (decimal.Decimal, error)
	SpentSince(ctx context.Context, userID int64, since time.Time) (decimal.Decimal, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error)
	DeleteTx(ctx context.Context, tx pgx.Tx, id int64) (int64, error)
	OwnerOf(ctx context.Context, id int64) (int64, error)
}

// Service is the only writer of the ledger.
type Service struct {
	store     Store
	observers []Observer
	log       *slog.Logger
	now       func() time.Time
}

func NewService(store Store, log *slog.Logger, observers ...Observer) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, observers: observers, log: log, now: time.Now}
}

// Entry describes a new ledger row.
type Entry struct {
	UserID      int64
	Kind        models.EntryKind
	Amount      decimal.Decimal
	RefType     models.RefType
	RefID       string
	Description string
}

func validate(e Entry) error {
	if e.Amount.IsZero() {
		return ErrZeroAmount
	}
	if e.RefID == "" {
		return fmt.Errorf("ledger: empty ref id")
	}
	switch e.Kind {
	case models.KindCredit, models.KindRefund:
		if !e.Amount.IsPositive() {
			return ErrAmountSign
		}
	case models.KindDebit:
		if !e.Amount.IsNegative() {
			return ErrAmountSign
		}
	default:
		return fmt.Errorf("ledger: unknown kind %q", e.Kind)
	}
	return nil
}

// Append writes one entry in its own transaction.
func (s *Service) Append(ctx context.Context, e Entry) (int64, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)
	id, err := s.AppendTx(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit(ctx)
}

// AppendTx writes one entry inside the caller's transaction.
func (s *Service) AppendTx(ctx context.Context, tx pgx.Tx, e Entry) (int64, error) {
	if err := validate(e); err != nil {
		return 0, err
	}
	if err := s.store.LockUser(ctx, tx, e.UserID); err != nil {
		return 0, fmt.Errorf("lock user: %w", err)
	}
	return s.insert(ctx, tx, &models.LedgerEntry{
		UserID:      e.UserID,
		Kind:        e.Kind,
		Amount:      e.Amount,
		RefType:     e.RefType,
		RefID:       e.RefID,
		Description: e.Description,
	})
}

// insert assumes the user lock is held.
func (s *Service) insert(ctx context.Context, tx pgx.Tx, row *models.LedgerEntry) (int64, error) {
	if err := s.store.Insert(ctx, tx, row); err != nil {
		return 0, err
	}
	if err := s.notify(ctx, tx, row.UserID); err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *Service) notify(ctx context.Context, tx pgx.Tx, userID int64) error {
	for _, o := range s.observers {
		if err := o.LedgerChanged(ctx, tx, userID); err != nil {
			return fmt.Errorf("ledger observer: %w", err)
		}
	}
	return nil
}

// Balance sums committed entries.
func (s *Service) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.store.Sum(ctx, userID)
}

// BalanceTx sums entries as seen by tx, including its own uncommitted writes.
func (s *Service) BalanceTx(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error) {
	return s.store.SumTx(ctx, tx, userID)
}

// History returns the newest entries first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// SpentSince returns the total debited from userID since the given time.
func (s *Service) SpentSince(ctx context.Context, userID int64, since time.Time) (decimal.Decimal, error) {
	return s.store.SpentSince(ctx, userID, since)
}

// Adjust applies a manual correction. amount is the magnitude; the sign is
// derived from refType except for admin_adjust, which takes it as given.
// It reports false when refID was already applied.
func (s *Service) Adjust(ctx context.Context, userID int64, amount decimal.Decimal, refType models.RefType, refID, description string) (bool, error) {
	e := Entry{UserID: userID, RefType: refType, RefID: refID, Description: description}
	switch refType {
	case models.RefAdminAdd:
		e.Kind, e.Amount = models.KindCredit, amount.Abs()
	case models.RefAdminRefund:
		e.Kind, e.Amount = models.KindRefund, amount.Abs()
	case models.RefAdminSub:
		e.Kind, e.Amount = models.KindDebit, amount.Abs().Neg()
	case models.RefAdminAdjust:
		e.Amount = amount
		e.Kind = models.KindCredit
		if amount.IsNegative() {
			e.Kind = models.KindDebit
		}
	default:
		return false, ErrInvalidRefType
	}
	_, err := s.Append(ctx, e)
	if errors.Is(err, ErrDuplicateRef) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.Info("ledger adjusted", "user_id", userID, "ref_type", refType, "ref_id", refID, "amount", e.Amount.String())
	return true, nil
}

// MigrateBalance credits a balance carried over from a legacy system. It is
// applied at most once per user.
func (s *Service) MigrateBalance(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return false, nil
	}
	_, err := s.Append(ctx, Entry{
		UserID:      userID,
		Kind:        models.KindCredit,
		Amount:      amount,
		RefType:     models.RefMigration,
		RefID:       migrationRefID,
		Description: "legacy balance migration",
	})
	if errors.Is(err, ErrDuplicateRef) {
		return false, nil
	}
	return err == nil, err
}

// DeleteEntry removes an entry for admin correction and re-derives the cache.
func (s *Service) DeleteEntry(ctx context.Context, id int64) error {
	userID, err := s.store.OwnerOf(ctx, id)
	if err != nil {
		return err
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.store.LockUser(ctx, tx, userID); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	if _, err := s.store.DeleteTx(ctx, tx, id); err != nil {
		return err
	}
	if err := s.notify(ctx, tx, userID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Warn("ledger entry deleted", "entry_id", id, "user_id", userID)
	return nil
}
