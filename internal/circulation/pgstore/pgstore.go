// Package pgstore is the PostgreSQL circulation.Store. Every command runs in a
// SERIALIZABLE transaction; serialization failures, deadlocks, lock timeouts
// and statement cancellations surface as circulation.ErrRetryableConflict.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"bookledger/internal/circulation"
	"bookledger/internal/database"
	"bookledger/internal/eventlog"
)

const (
	tableBooks    = "books"
	tableActive   = "active_checkouts"
	tableReturned = "returned_checkouts"
)

// SQLSTATE codes an isolation abort can raise. query_canceled counts only
// when the caller's context is still live, i.e. a statement_timeout fired.
var retryableCodes = map[string]struct{}{
	database.CodeSerializationFailure: {},
	database.CodeDeadlockDetected:     {},
	database.CodeLockNotAvailable:     {},
	database.CodeQueryCanceled:        {},
}

var activeCols = []any{"checkout_id", "book_id", "borrower_id", "checked_out_at"}

// Store implements circulation.Store and eventlog.Reader.
type Store struct {
	db      *sqlx.DB
	journal *eventlog.Journal
	dialect goqu.DialectWrapper
}

// New creates a store over db. The schema must already exist.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:      db,
		journal: eventlog.NewJournal(db),
		dialect: goqu.Dialect("postgres"),
	}
}

// Begin opens a serializable transaction.
func (s *Store) Begin(ctx context.Context) (circulation.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, classify(ctx, "begin", err)
	}
	return &txn{ctx: ctx, tx: tx, dialect: s.dialect, journal: s.journal}, nil
}

// Stream reads the journal.
func (s *Store) Stream(ctx context.Context, afterID int64, batchSize int) ([]eventlog.Event, error) {
	return s.journal.Stream(ctx, afterID, batchSize)
}

// LoadStream reads one book's journal.
func (s *Store) LoadStream(ctx context.Context, bookID uuid.UUID) ([]eventlog.Event, error) {
	return s.journal.LoadStream(ctx, bookID)
}

func (s *Store) activeJoined() *goqu.SelectDataset {
	return s.dialect.From(goqu.T(tableActive).As("a")).Prepared(true).
		Join(goqu.T(tableBooks).As("b"), goqu.On(goqu.I("b.book_id").Eq(goqu.I("a.book_id")))).
		Select("a.checkout_id", "a.book_id", "a.borrower_id", "a.checked_out_at", "b.title", "b.author", "b.isbn")
}

func (s *Store) selectRows(ctx context.Context, ds *goqu.SelectDataset) ([]circulation.CheckoutRow, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows := []circulation.CheckoutRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(ctx, "select", err)
	}
	return rows, nil
}

// FindUnreturnedAll returns every active loan, oldest first.
func (s *Store) FindUnreturnedAll(ctx context.Context) ([]circulation.CheckoutRow, error) {
	return s.selectRows(ctx, s.activeJoined().
		Order(goqu.I("a.checked_out_at").Asc(), goqu.I("a.checkout_id").Asc()))
}

// FindUnreturnedByBorrower returns the borrower's active loans, oldest first.
func (s *Store) FindUnreturnedByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]circulation.CheckoutRow, error) {
	return s.selectRows(ctx, s.activeJoined().
		Where(goqu.I("a.borrower_id").Eq(borrowerID)).
		Order(goqu.I("a.checked_out_at").Asc(), goqu.I("a.checkout_id").Asc()))
}

// FindActiveByBook returns the book's active loan, or nil.
func (s *Store) FindActiveByBook(ctx context.Context, bookID uuid.UUID) (*circulation.CheckoutRow, error) {
	rows, err := s.selectRows(ctx, s.activeJoined().
		Where(goqu.I("a.book_id").Eq(bookID)).
		Order(goqu.I("a.checked_out_at").Asc()).
		Limit(1))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// FindReturnedByBook returns the book's archived loans, newest return first.
func (s *Store) FindReturnedByBook(ctx context.Context, bookID uuid.UUID) ([]circulation.CheckoutRow, error) {
	return s.selectRows(ctx, s.dialect.From(goqu.T(tableReturned).As("r")).Prepared(true).
		Join(goqu.T(tableBooks).As("b"), goqu.On(goqu.I("b.book_id").Eq(goqu.I("r.book_id")))).
		Select("r.checkout_id", "r.book_id", "r.borrower_id", "r.checked_out_at", "r.returned_at", "b.title", "b.author", "b.isbn").
		Where(goqu.I("r.book_id").Eq(bookID)).
		Order(goqu.I("r.returned_at").Desc()))
}

// Audit counts invariant violations in the committed state.
func (s *Store) Audit(ctx context.Context) (circulation.AuditReport, error) {
	var report circulation.AuditReport
	err := s.db.GetContext(ctx, &report, `
		SELECT
			(SELECT COUNT(*) FROM (
				SELECT book_id FROM active_checkouts GROUP BY book_id HAVING COUNT(*) > 1
			) d) AS duplicate_active_books,
			(SELECT COUNT(DISTINCT r.checkout_id) FROM returned_checkouts r
				JOIN active_checkouts a ON a.checkout_id = r.checkout_id) AS archived_still_active,
			(SELECT COUNT(*) FROM (
				SELECT checkout_id FROM returned_checkouts GROUP BY checkout_id HAVING COUNT(*) > 1
			) h) AS duplicate_history
	`)
	if err != nil {
		return circulation.AuditReport{}, fmt.Errorf("audit circulation tables: %w", err)
	}
	return report, nil
}

type txn struct {
	// ctx is the context the transaction was opened with; Commit has none
	// of its own.
	ctx     context.Context
	tx      *sqlx.Tx
	dialect goqu.DialectWrapper
	journal *eventlog.Journal
}

func (t *txn) BookExists(ctx context.Context, bookID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowxContext(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE book_id = $1)`, bookID).Scan(&exists)
	if err != nil {
		return false, classify(ctx, "book exists", err)
	}
	return exists, nil
}

func (t *txn) FindActiveForUpdate(ctx context.Context, bookID uuid.UUID) (*circulation.ActiveCheckout, error) {
	query, args, err := t.dialect.From(tableActive).Prepared(true).
		Select(activeCols...).
		Where(goqu.C("book_id").Eq(bookID)).
		Order(goqu.C("checked_out_at").Asc()).
		Limit(1).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find active query: %w", err)
	}

	var active circulation.ActiveCheckout
	if err := t.tx.GetContext(ctx, &active, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(ctx, "find active", err)
	}
	return &active, nil
}

func (t *txn) InsertActive(ctx context.Context, c circulation.ActiveCheckout) (int64, error) {
	query, args, err := t.dialect.Insert(tableActive).Prepared(true).Rows(goqu.Record{
		"checkout_id":    c.CheckoutID,
		"book_id":        c.BookID,
		"borrower_id":    c.BorrowerID,
		"checked_out_at": c.CheckedOutAt,
	}).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build insert active query: %w", err)
	}
	return t.exec(ctx, "insert active", query, args)
}

// ArchiveActive copies the active row into history in a single statement so
// the archived values are exactly the stored ones.
func (t *txn) ArchiveActive(ctx context.Context, checkoutID uuid.UUID, returnedAt time.Time) (int64, error) {
	source := t.dialect.From(tableActive).
		Select(append(activeCols, goqu.Cast(goqu.V(returnedAt), "TIMESTAMPTZ"))...).
		Where(goqu.C("checkout_id").Eq(checkoutID))
	query, args, err := t.dialect.Insert(tableReturned).Prepared(true).
		Cols(append(activeCols, "returned_at")...).
		FromQuery(source).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build archive query: %w", err)
	}
	return t.exec(ctx, "archive active", query, args)
}

func (t *txn) DeleteActive(ctx context.Context, checkoutID uuid.UUID) (int64, error) {
	query, args, err := t.dialect.Delete(tableActive).Prepared(true).
		Where(goqu.C("checkout_id").Eq(checkoutID)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete active query: %w", err)
	}
	return t.exec(ctx, "delete active", query, args)
}

func (t *txn) AppendEvent(ctx context.Context, event eventlog.Event) error {
	if err := t.journal.Append(ctx, t.tx, event); err != nil {
		return classify(ctx, "append event", err)
	}
	return nil
}

func (t *txn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify(t.ctx, "commit", err)
	}
	return nil
}

// Rollback is safe to defer after Commit.
func (t *txn) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *txn) exec(ctx context.Context, step, query string, args []any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(ctx, step, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", step, err)
	}
	return n, nil
}

// classify marks isolation aborts as retryable. A failure after the caller
// gave up is reported as the caller's own cancellation instead.
func classify(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w: %w", step, ctxErr, err)
	}
	if _, ok := retryableCodes[database.SQLState(err)]; ok {
		return circulation.Retryable(step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}
