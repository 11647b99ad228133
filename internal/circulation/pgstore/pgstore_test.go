package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/database/databasetest"
)

func TestClassifyRetryableCodes(t *testing.T) {
	ctx := context.Background()
	for _, code := range []string{"40001", "40P01", "55P03", "57014"} {
		assert.True(t, circulation.IsRetryable(classify(ctx, "commit", &pq.Error{Code: pq.ErrorCode(code)})), "pq %s", code)
		assert.True(t, circulation.IsRetryable(classify(ctx, "commit", &pgconn.PgError{Code: code})), "pgx %s", code)
	}

	unique := &pq.Error{Code: "23505"}
	err := classify(ctx, "insert active", unique)
	assert.False(t, circulation.IsRetryable(err))
	assert.ErrorIs(t, err, unique)

	wrapped := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40001"})
	assert.True(t, circulation.IsRetryable(classify(ctx, "commit", wrapped)))
	assert.False(t, circulation.IsRetryable(classify(ctx, "commit", errors.New("connection reset"))))
}

func TestClassifyCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceled := &pq.Error{Code: "57014"}
	err := classify(ctx, "find active", canceled)
	assert.False(t, circulation.IsRetryable(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, canceled)

	deadline, stop := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer stop()
	err = classify(deadline, "commit", &pgconn.PgError{Code: "40001"})
	assert.False(t, circulation.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, circulation.IsRetryable(classify(context.Background(), "find active", canceled)))
}

func TestPostgresCheckoutLifecycle(t *testing.T) {
	db := databasetest.Open(t)
	ctx := context.Background()
	store := New(db)
	books := catalog.NewService(db)
	svc := circulation.NewService(store, nil)

	book, err := books.AddBook(ctx, catalog.NewBook{Title: "Solaris", Author: "Stanisław Lem", ISBN: "9780156027601"})
	require.NoError(t, err)
	borrower := uuid.New()
	checkedOut := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	id, err := svc.CreateCheckout(ctx, circulation.CreateCheckout{BookID: book.ID, BorrowerID: borrower, At: checkedOut})
	require.NoError(t, err)

	_, err = svc.CreateCheckout(ctx, circulation.CreateCheckout{BookID: book.ID, BorrowerID: uuid.New()})
	assert.ErrorIs(t, err, circulation.ErrConflict)

	mine, err := svc.ListUnreturnedByBorrower(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "Solaris", mine[0].Book.Title)

	returned := checkedOut.Add(48 * time.Hour)
	require.NoError(t, svc.UpdateReturned(ctx, circulation.UpdateReturned{
		CheckoutID: id, BookID: book.ID, BorrowerID: borrower, At: returned,
	}))

	history, err := svc.HistoryForBook(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, checkedOut.Equal(history[0].CheckedOutAt))
	require.NotNil(t, history[0].ReturnedAt)
	assert.True(t, returned.Equal(*history[0].ReturnedAt))

	all, err := svc.ListUnreturnedAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	events, err := store.Stream(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, circulation.EventCheckoutCreated, events[0].EventType)
	assert.Equal(t, circulation.EventCheckoutReturned, events[1].EventType)

	stream, err := store.LoadStream(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, events[1].ID, stream[1].ID)

	other, err := store.LoadStream(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestPostgresConcurrentCheckouts(t *testing.T) {
	db := databasetest.Open(t)
	ctx := context.Background()
	store := New(db)
	svc := circulation.NewService(store, nil)

	book, err := catalog.NewService(db).AddBook(ctx, catalog.NewBook{Title: "Roadside Picnic", Author: "Strugatsky", ISBN: "9781613743416"})
	require.NoError(t, err)

	const callers = 10
	policy := circulation.RetryPolicy{MaxAttempts: 10, InitialInterval: 5 * time.Millisecond}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cmd := circulation.CreateCheckout{BookID: book.ID, BorrowerID: uuid.New()}
			_, err := circulation.Retry(ctx, policy, func(ctx context.Context) (uuid.UUID, error) {
				return svc.CreateCheckout(ctx, cmd)
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, circulation.ErrConflict) || circulation.IsRetryable(err), "unexpected error: %v", err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	report, err := store.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%+v", report)
}

func TestPostgresArchiveMissingAffectsNoRows(t *testing.T) {
	db := databasetest.Open(t)
	ctx := context.Background()

	tx, err := New(db).Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	n, err := tx.ArchiveActive(ctx, uuid.New(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = tx.DeleteActive(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, n)
}
