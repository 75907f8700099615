package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind is the direction of a ledger entry.
type EntryKind string

const (
	KindCredit EntryKind = "credit"
	KindDebit  EntryKind = "debit"
	KindRefund EntryKind = "refund"
)

// RefType names the action a ledger entry originates from. Together with
// UserID and RefID it is the idempotency key of every balance mutation.
type RefType string

const (
	RefPayment        RefType = "payment"
	RefReservation    RefType = "reservation"
	RefJob            RefType = "job"
	RefAdminAdd       RefType = "admin_add"
	RefAdminSub       RefType = "admin_sub"
	RefAdminRefund    RefType = "admin_refund"
	RefAdminAdjust    RefType = "admin_adjust"
	RefJobCancelled   RefType = "job_cancelled"
	RefReconciliation RefType = "reconciliation"
	RefMigration      RefType = "migration"
	RefPaymentRefund  RefType = "payment_refund"
)

// IsAdmin reports whether the ref type is reserved for manual adjustments.
func (r RefType) IsAdmin() bool {
	switch r {
	case RefAdminAdd, RefAdminSub, RefAdminRefund, RefAdminAdjust:
		return true
	}
	return false
}

// Settlement tracks the lifecycle of a reservation row. Rows that never were
// reservations carry an empty settlement.
type Settlement string

const (
	SettlementNone     Settlement = ""
	SettlementHeld     Settlement = "held"
	SettlementCharged  Settlement = "charged"
	SettlementReleased Settlement = "released"
)

// LedgerEntry is one signed balance mutation. Only a held reservation may
// change after insert: it is either promoted to a job charge or released.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Kind        EntryKind       `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	RefType     RefType         `json:"ref_type"`
	RefID       string          `json:"ref_id"`
	Description string          `json:"description"`
	Settlement  Settlement      `json:"settlement,omitempty"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
	OriginRefID *string         `json:"origin_ref_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BalanceCache is the materialized sum of a user's ledger.
type BalanceCache struct {
	UserID      int64           `json:"user_id"`
	Balance     decimal.Decimal `json:"balance"`
	EntryCount  int             `json:"entry_count"`
	LastUpdated time.Time       `json:"last_updated"`
}

// BalanceMismatch is reported when a cache row drifts from the ledger sum.
type BalanceMismatch struct {
	UserID  int64           `json:"user_id"`
	Cached  decimal.Decimal `json:"cached"`
	Actual  decimal.Decimal `json:"actual"`
	Entries int             `json:"entries"`
}
