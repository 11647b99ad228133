package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/eventlog"
)

var owner = uuid.MustParse("0b6d3c38-5d8f-4d0e-9b7e-3f7a4c1e2d90")

func newStoreWithBook(t *testing.T) (*Store, *catalog.Book) {
	t.Helper()
	s, _, book := newGuardedCatalog(t)
	return s, book
}

// newGuardedCatalog returns a store whose catalog consults it before removing
// books.
func newGuardedCatalog(t *testing.T) (*Store, *catalog.MemoryService, *catalog.Book) {
	t.Helper()

	books := catalog.NewMemoryService()
	book, err := books.AddBook(context.Background(), catalog.NewBook{
		OwnerID: owner,
		Title:   "The Dispossessed",
		Author:  "Ursula K. Le Guin",
		ISBN:    "9780060512750",
	})
	require.NoError(t, err)
	s := New(books)
	books.SetRemovalGuard(s)
	return s, books, book
}

func active(bookID uuid.UUID) circulation.ActiveCheckout {
	return circulation.ActiveCheckout{
		CheckoutID:   uuid.New(),
		BookID:       bookID,
		BorrowerID:   uuid.New(),
		CheckedOutAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCommitAppliesWrites(t *testing.T) {
	ctx := context.Background()
	s, book := newStoreWithBook(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	c := active(book.ID)
	n, err := tx.InsertActive(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Own writes are visible before commit.
	found, err := tx.FindActiveForUpdate(ctx, book.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, c.CheckoutID, found.CheckoutID)

	assert.Equal(t, 0, s.ActiveRowsForBook(book.ID))
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, s.ActiveRowsForBook(book.ID))

	rows, err := s.FindUnreturnedAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, book.Title, rows[0].Title)
	assert.Nil(t, rows[0].ReturnedAt)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s, book := newStoreWithBook(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertActive(ctx, active(book.ID))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 0, s.ActiveRowsForBook(book.ID))
	assert.ErrorIs(t, tx.Commit(), ErrTxDone)
	assert.NoError(t, tx.Rollback())
}

func TestArchiveAndDeleteAffectNothingWhenMissing(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreWithBook(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	n, err := tx.ArchiveActive(ctx, uuid.New(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = tx.DeleteActive(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentInsertsConflict(t *testing.T) {
	ctx := context.Background()
	s, book := newStoreWithBook(t)

	first, err := s.Begin(ctx)
	require.NoError(t, err)
	second, err := s.Begin(ctx)
	require.NoError(t, err)

	for _, tx := range []circulation.Tx{first, second} {
		found, err := tx.FindActiveForUpdate(ctx, book.ID)
		require.NoError(t, err)
		require.Nil(t, found)
		_, err = tx.InsertActive(ctx, active(book.ID))
		require.NoError(t, err)
	}

	require.NoError(t, first.Commit())
	err = second.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, circulation.ErrRetryableConflict)
	assert.Equal(t, 1, s.ActiveRowsForBook(book.ID))
}

func TestReturnMovesRowToHistory(t *testing.T) {
	ctx := context.Background()
	s, book := newStoreWithBook(t)

	c := active(book.ID)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertActive(ctx, c)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	returnedAt := c.CheckedOutAt.Add(72 * time.Hour)
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.ArchiveActive(ctx, c.CheckoutID, returnedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = tx.DeleteActive(ctx, c.CheckoutID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 0, s.ActiveRowsForBook(book.ID))
	assert.Equal(t, 1, s.ReturnedRowsForCheckout(c.CheckoutID))

	history, err := s.FindReturnedByBook(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ReturnedAt)
	assert.True(t, returnedAt.Equal(*history[0].ReturnedAt))
}

func TestDoubleArchiveWritesTwoHistoryRows(t *testing.T) {
	ctx := context.Background()
	s, book := newStoreWithBook(t)

	c := active(book.ID)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertActive(ctx, c)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	returnedAt := c.CheckedOutAt.Add(time.Hour)
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	for range 2 {
		n, err := tx.ArchiveActive(ctx, c.CheckoutID, returnedAt)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}
	_, err = tx.DeleteActive(ctx, c.CheckoutID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 2, s.ReturnedRowsForCheckout(c.CheckoutID))
	report, err := s.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DuplicateHistory)
	assert.Zero(t, report.ArchivedStillActive)
}

func TestFindSkipsRowsWithoutBook(t *testing.T) {
	ctx := context.Background()
	s, _ := newStoreWithBook(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertActive(ctx, active(uuid.New()))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	rows, err := s.FindUnreturnedAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStreamAssignsEventIDsOnCommit(t *testing.T) {
	ctx := context.Background()
	s, book := newStoreWithBook(t)

	for i := 0; i < 3; i++ {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		ev, err := eventlog.NewEvent(book.ID, circulation.EventCheckoutCreated, map[string]int{"n": i}, time.Now())
		require.NoError(t, err)
		require.NoError(t, tx.AppendEvent(ctx, ev))
		require.NoError(t, tx.Commit())
	}

	events, err := s.Stream(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].ID)
	assert.Equal(t, int64(3), events[1].ID)

	_, err = s.Stream(ctx, 0, 0)
	assert.ErrorIs(t, err, eventlog.ErrInvalidBatchSize)

	stream, err := s.LoadStream(ctx, book.ID)
	require.NoError(t, err)
	assert.Len(t, stream, 3)
	stream, err = s.LoadStream(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, stream)
}

func TestDeleteRefusedWhileOnLoan(t *testing.T) {
	ctx := context.Background()
	s, books, book := newGuardedCatalog(t)

	c := active(book.ID)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertActive(ctx, c)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	err = books.DeleteBook(ctx, book.ID, owner)
	assert.ErrorIs(t, err, catalog.ErrBookOnLoan)
	exists, err := books.BookExists(ctx, book.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.ArchiveActive(ctx, c.CheckoutID, c.CheckedOutAt.Add(time.Hour))
	require.NoError(t, err)
	_, err = tx.DeleteActive(ctx, c.CheckoutID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, books.DeleteBook(ctx, book.ID, owner))
	exists, err = books.BookExists(ctx, book.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCheckoutRacingDeleteAborts(t *testing.T) {
	ctx := context.Background()
	s, books, book := newGuardedCatalog(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	exists, err := tx.BookExists(ctx, book.ID)
	require.NoError(t, err)
	require.True(t, exists)

	// Nothing is committed yet, so the removal goes through.
	require.NoError(t, books.DeleteBook(ctx, book.ID, owner))

	_, err = tx.InsertActive(ctx, active(book.ID))
	require.NoError(t, err)
	err = tx.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, circulation.ErrRetryableConflict)
	assert.Zero(t, s.ActiveRowsForBook(book.ID))
}

func TestGuardRemovalHonoursCancelledContext(t *testing.T) {
	s, _ := newStoreWithBook(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.GuardRemoval(ctx, uuid.New(), func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
