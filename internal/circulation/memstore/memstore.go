// Package memstore is an in-memory circulation.Store. Transactions are
// validated optimistically at commit: every book a transaction read or wrote
// carries a version, and a commit whose versions moved underneath it is aborted
// with a retryable conflict, the same outcome a serializable database gives.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/eventlog"
)

var ErrTxDone = errors.New("memstore: transaction has already been committed or rolled back")

// BookSource resolves books for existence checks and descriptors.
type BookSource interface {
	GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error)
}

// Store keeps active checkouts keyed by checkout id, like a table whose only
// unique key is checkout_id. Nothing here stops two rows for one book; the
// coordinator's transactions do.
type Store struct {
	books BookSource

	mu          sync.Mutex
	active      map[uuid.UUID]circulation.ActiveCheckout
	returned    []circulation.ReturnedCheckout
	versions    map[uuid.UUID]uint64
	events      []eventlog.Event
	nextEventID int64
}

var _ catalog.RemovalGuard = (*Store)(nil)

// New creates an empty store resolving books through books.
func New(books BookSource) *Store {
	return &Store{
		books:    books,
		active:   make(map[uuid.UUID]circulation.ActiveCheckout),
		versions: make(map[uuid.UUID]uint64),
	}
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (circulation.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		s:        s,
		observed: make(map[uuid.UUID]uint64),
		inserts:  make(map[uuid.UUID]circulation.ActiveCheckout),
		deletes:  make(map[uuid.UUID]struct{}),
	}, nil
}

// GuardRemoval runs remove while no committed loan holds the book, and bumps
// the book's version so transactions that already saw it abort at commit.
// Lock order is the store's mutex, then whatever remove takes.
func (s *Store) GuardRemoval(ctx context.Context, bookID uuid.UUID, remove func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.active {
		if c.BookID == bookID {
			return fmt.Errorf("%w: %s", catalog.ErrBookOnLoan, bookID)
		}
	}
	if err := remove(); err != nil {
		return err
	}
	s.versions[bookID]++
	return nil
}

// ActiveRowsForBook counts committed active rows for a book.
func (s *Store) ActiveRowsForBook(bookID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.active {
		if c.BookID == bookID {
			n++
		}
	}
	return n
}

// Audit counts invariant violations in the committed state.
func (s *Store) Audit(context.Context) (circulation.AuditReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report circulation.AuditReport
	perBook := make(map[uuid.UUID]int)
	for _, c := range s.active {
		perBook[c.BookID]++
	}
	for _, n := range perBook {
		if n > 1 {
			report.DuplicateActiveBooks++
		}
	}

	archived := make(map[uuid.UUID]int)
	for _, r := range s.returned {
		archived[r.CheckoutID]++
	}
	for id, n := range archived {
		if n > 1 {
			report.DuplicateHistory++
		}
		if _, ok := s.active[id]; ok {
			report.ArchivedStillActive++
		}
	}
	return report, nil
}

// ReturnedRowsForCheckout counts history rows for a checkout id.
func (s *Store) ReturnedRowsForCheckout(checkoutID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.returned {
		if r.CheckoutID == checkoutID {
			n++
		}
	}
	return n
}

// FindUnreturnedAll returns every active loan, oldest first.
func (s *Store) FindUnreturnedAll(ctx context.Context) ([]circulation.CheckoutRow, error) {
	return s.findActive(ctx, func(circulation.ActiveCheckout) bool { return true })
}

// FindUnreturnedByBorrower returns the borrower's active loans, oldest first.
func (s *Store) FindUnreturnedByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]circulation.CheckoutRow, error) {
	return s.findActive(ctx, func(c circulation.ActiveCheckout) bool { return c.BorrowerID == borrowerID })
}

// FindActiveByBook returns the book's active loan, or nil.
func (s *Store) FindActiveByBook(ctx context.Context, bookID uuid.UUID) (*circulation.CheckoutRow, error) {
	rows, err := s.findActive(ctx, func(c circulation.ActiveCheckout) bool { return c.BookID == bookID })
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// FindReturnedByBook returns the book's archived loans, newest return first.
func (s *Store) FindReturnedByBook(ctx context.Context, bookID uuid.UUID) ([]circulation.CheckoutRow, error) {
	s.mu.Lock()
	var matched []circulation.ReturnedCheckout
	for _, r := range s.returned {
		if r.BookID == bookID {
			matched = append(matched, r)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ReturnedAt.After(matched[j].ReturnedAt)
	})

	rows := make([]circulation.CheckoutRow, 0, len(matched))
	for _, r := range matched {
		book, ok, err := s.describe(ctx, r.BookID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		returnedAt := r.ReturnedAt
		rows = append(rows, circulation.CheckoutRow{
			CheckoutID:   r.CheckoutID,
			BookID:       r.BookID,
			BorrowerID:   r.BorrowerID,
			CheckedOutAt: r.CheckedOutAt,
			ReturnedAt:   &returnedAt,
			Title:        book.Title,
			Author:       book.Author,
			ISBN:         book.ISBN,
		})
	}
	return rows, nil
}

// Stream returns journaled events with id > afterID.
func (s *Store) Stream(_ context.Context, afterID int64, batchSize int) ([]eventlog.Event, error) {
	if err := eventlog.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]eventlog.Event, 0, batchSize)
	for _, e := range s.events {
		if e.ID > afterID {
			out = append(out, e)
			if len(out) == batchSize {
				break
			}
		}
	}
	return out, nil
}

// LoadStream returns every event of one stream in append order.
func (s *Store) LoadStream(_ context.Context, streamID uuid.UUID) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]eventlog.Event, 0)
	for _, e := range s.events {
		if e.StreamID == streamID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) findActive(ctx context.Context, keep func(circulation.ActiveCheckout) bool) ([]circulation.CheckoutRow, error) {
	s.mu.Lock()
	var matched []circulation.ActiveCheckout
	for _, c := range s.active {
		if keep(c) {
			matched = append(matched, c)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CheckedOutAt.Equal(matched[j].CheckedOutAt) {
			return matched[i].CheckoutID.String() < matched[j].CheckoutID.String()
		}
		return matched[i].CheckedOutAt.Before(matched[j].CheckedOutAt)
	})

	rows := make([]circulation.CheckoutRow, 0, len(matched))
	for _, c := range matched {
		book, ok, err := s.describe(ctx, c.BookID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows = append(rows, circulation.CheckoutRow{
			CheckoutID:   c.CheckoutID,
			BookID:       c.BookID,
			BorrowerID:   c.BorrowerID,
			CheckedOutAt: c.CheckedOutAt,
			Title:        book.Title,
			Author:       book.Author,
			ISBN:         book.ISBN,
		})
	}
	return rows, nil
}

// describe mirrors an inner join with books: a missing book drops the row.
func (s *Store) describe(ctx context.Context, bookID uuid.UUID) (*catalog.Book, bool, error) {
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		if errors.Is(err, catalog.ErrBookNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("describe book %s: %w", bookID, err)
	}
	return book, true, nil
}

type tx struct {
	s *Store

	// observed pins the version of every book touched, at first touch.
	observed map[uuid.UUID]uint64
	inserts  map[uuid.UUID]circulation.ActiveCheckout // by checkout id
	deletes  map[uuid.UUID]struct{}                   // checkout ids
	history  []circulation.ReturnedCheckout
	events   []eventlog.Event
	done     bool
}

// BookExists pins the book's version, so a removal committed after this read
// aborts the transaction.
func (t *tx) BookExists(ctx context.Context, bookID uuid.UUID) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.observe(bookID)
	_, ok, err := t.s.describe(ctx, bookID)
	return ok, err
}

func (t *tx) FindActiveForUpdate(ctx context.Context, bookID uuid.UUID) (*circulation.ActiveCheckout, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.observe(bookID)
	for _, c := range t.visibleLocked() {
		if c.BookID == bookID {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertActive(ctx context.Context, checkout circulation.ActiveCheckout) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, dup := t.s.active[checkout.CheckoutID]; dup {
		return 0, fmt.Errorf("memstore: duplicate checkout id %s", checkout.CheckoutID)
	}
	if _, dup := t.inserts[checkout.CheckoutID]; dup {
		return 0, fmt.Errorf("memstore: duplicate checkout id %s", checkout.CheckoutID)
	}
	t.observe(checkout.BookID)
	t.inserts[checkout.CheckoutID] = checkout
	return 1, nil
}

func (t *tx) ArchiveActive(ctx context.Context, checkoutID uuid.UUID, returnedAt time.Time) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	// Archiving does not hide the active row, so a second call in the same
	// transaction writes a second history row, as INSERT ... SELECT does.
	c, ok := t.visibleLocked()[checkoutID]
	if !ok {
		return 0, nil
	}
	t.observe(c.BookID)
	t.history = append(t.history, circulation.ReturnedCheckout{
		CheckoutID:   c.CheckoutID,
		BookID:       c.BookID,
		BorrowerID:   c.BorrowerID,
		CheckedOutAt: c.CheckedOutAt,
		ReturnedAt:   returnedAt,
	})
	return 1, nil
}

func (t *tx) DeleteActive(ctx context.Context, checkoutID uuid.UUID) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	c, ok := t.visibleLocked()[checkoutID]
	if !ok {
		return 0, nil
	}
	t.observe(c.BookID)
	if _, pending := t.inserts[checkoutID]; pending {
		delete(t.inserts, checkoutID)
	} else {
		t.deletes[checkoutID] = struct{}{}
	}
	return 1, nil
}

func (t *tx) AppendEvent(_ context.Context, event eventlog.Event) error {
	if t.done {
		return ErrTxDone
	}
	if event.EventType == "" {
		return eventlog.ErrEmptyEventType
	}
	t.events = append(t.events, event)
	return nil
}

// Commit validates every pinned version and applies the buffered writes.
func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for bookID, v := range t.observed {
		if s.versions[bookID] != v {
			return circulation.Retryable("commit", fmt.Errorf("memstore: book %s changed by a concurrent transaction", bookID))
		}
	}

	written := make(map[uuid.UUID]struct{})
	for id := range t.deletes {
		if c, ok := s.active[id]; ok {
			written[c.BookID] = struct{}{}
			delete(s.active, id)
		}
	}
	for id, c := range t.inserts {
		s.active[id] = c
		written[c.BookID] = struct{}{}
	}
	for _, r := range t.history {
		s.returned = append(s.returned, r)
		written[r.BookID] = struct{}{}
	}
	for _, e := range t.events {
		s.nextEventID++
		e.ID = s.nextEventID
		s.events = append(s.events, e)
	}
	for bookID := range written {
		s.versions[bookID]++
	}
	return nil
}

// Rollback discards buffered writes. Calling it after Commit is a no-op.
func (t *tx) Rollback() error {
	t.done = true
	return nil
}

// observe must be called with s.mu held.
func (t *tx) observe(bookID uuid.UUID) {
	if _, ok := t.observed[bookID]; !ok {
		t.observed[bookID] = t.s.versions[bookID]
	}
}

// visibleLocked is the committed active set overlaid with this transaction's
// writes, keyed by checkout id. Must be called with s.mu held.
func (t *tx) visibleLocked() map[uuid.UUID]circulation.ActiveCheckout {
	view := make(map[uuid.UUID]circulation.ActiveCheckout, len(t.s.active)+len(t.inserts))
	for id, c := range t.s.active {
		if _, gone := t.deletes[id]; gone {
			continue
		}
		view[id] = c
	}
	for id, c := range t.inserts {
		view[id] = c
	}
	return view
}
