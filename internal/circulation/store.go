package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bookledger/internal/eventlog"
)

// Store holds the active and returned checkout relations. Implementations are
// passive: they never decide whether a transition is allowed.
type Store interface {
	// Begin opens a transaction at serializable isolation (or an equivalent).
	Begin(ctx context.Context) (Tx, error)

	FindUnreturnedAll(ctx context.Context) ([]CheckoutRow, error)
	FindUnreturnedByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]CheckoutRow, error)
	FindActiveByBook(ctx context.Context, bookID uuid.UUID) (*CheckoutRow, error)
	FindReturnedByBook(ctx context.Context, bookID uuid.UUID) ([]CheckoutRow, error)
}

// Tx is one serializable unit of work. Mutations report affected rows so the
// coordinator can tell a business rejection from a broken precondition.
// Commit returns an ErrRetryableConflict error when isolation aborts the unit.
type Tx interface {
	BookExists(ctx context.Context, bookID uuid.UUID) (bool, error)
	FindActiveForUpdate(ctx context.Context, bookID uuid.UUID) (*ActiveCheckout, error)
	InsertActive(ctx context.Context, checkout ActiveCheckout) (int64, error)
	ArchiveActive(ctx context.Context, checkoutID uuid.UUID, returnedAt time.Time) (int64, error)
	DeleteActive(ctx context.Context, checkoutID uuid.UUID) (int64, error)
	AppendEvent(ctx context.Context, event eventlog.Event) error

	Commit() error
	Rollback() error
}

// AuditReport counts committed states that must never exist. Every field is
// zero for a consistent store.
type AuditReport struct {
	DuplicateActiveBooks int `json:"duplicate_active_books" db:"duplicate_active_books"` // books with more than one active row
	ArchivedStillActive  int `json:"archived_still_active" db:"archived_still_active"`   // checkouts present in both relations
	DuplicateHistory     int `json:"duplicate_history" db:"duplicate_history"`           // checkouts archived more than once
}

// Consistent reports whether no violation was found.
func (r AuditReport) Consistent() bool {
	return r == AuditReport{}
}

// Auditor is implemented by stores that can check their own consistency.
type Auditor interface {
	Audit(ctx context.Context) (AuditReport, error)
}
