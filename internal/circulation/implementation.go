// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"bookledger/internal/eventlog"
)

const (
	opCreateCheckout = "create_checkout"
	opUpdateReturned = "update_returned"

	outcomeOK         = "ok"
	outcomeNotFound   = "not_found"
	outcomeConflict   = "conflict"
	outcomeRetryable  = "retryable_conflict"
	outcomeFatal      = "fatal"
	outcomeInvalid    = "invalid_argument"
	outcomeStorageErr = "storage_error"
)

// service is the consistency coordinator. It is the only component that
// mutates the active and returned relations together, and it holds no locks:
// exclusion comes from the store's serializable transactions.
type service struct {
	store    Store
	logger   *slog.Logger
	tracer   trace.Tracer
	commands metric.Int64Counter
	meters   metric.MeterProvider
	newID    func() uuid.UUID
	now      func() time.Time
}

// Option configures the coordinator.
type Option func(*service)

// WithIDGenerator replaces uuid.New for checkout ids.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(s *service) { s.newID = fn }
}

// WithClock sets the time used when a command carries no timestamp.
func WithClock(fn func() time.Time) Option {
	return func(s *service) { s.now = fn }
}

// WithMeterProvider records command outcomes on mp instead of the global
// provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *service) { s.meters = mp }
}

// NewService creates a new circulation service instance.
func NewService(store Store, logger *slog.Logger, opts ...Option) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{
		store:  store,
		logger: logger.With("component", "circulation"),
		tracer: otel.Tracer("bookledger/circulation"),
		meters: otel.GetMeterProvider(),
		newID:  uuid.New,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	commands, err := s.meters.Meter("bookledger/circulation").Int64Counter("circulation.commands",
		metric.WithDescription("Circulation commands by outcome"),
	)
	if err != nil {
		logger.Warn("create commands counter", "error", err)
	}
	s.commands = commands
	return s
}

// CreateCheckout lends a book. The "no active row" check and the insert run in
// one serializable transaction; a concurrent lender makes one of the two fail
// with ErrRetryableConflict rather than both succeeding.
func (s *service) CreateCheckout(ctx context.Context, cmd CreateCheckout) (id uuid.UUID, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.create_checkout",
		trace.WithAttributes(
			attribute.String("book.id", cmd.BookID.String()),
			attribute.String("borrower.id", cmd.BorrowerID.String()),
		),
	)
	defer func() { s.finish(ctx, span, opCreateCheckout, err) }()

	if cmd.BookID == uuid.Nil || cmd.BorrowerID == uuid.Nil {
		return uuid.Nil, newError(ErrInvalidArgument, opCreateCheckout, "book id and borrower id are required")
	}
	at := cmd.At
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return uuid.Nil, storageError(opCreateCheckout, "begin transaction", err)
	}
	defer tx.Rollback()

	exists, err := tx.BookExists(ctx, cmd.BookID)
	if err != nil {
		return uuid.Nil, storageError(opCreateCheckout, "check book", err)
	}
	if !exists {
		return uuid.Nil, newError(ErrNotFound, opCreateCheckout, fmt.Sprintf("%s (%s)", msgBookNotFound, cmd.BookID))
	}

	active, err := tx.FindActiveForUpdate(ctx, cmd.BookID)
	if err != nil {
		return uuid.Nil, storageError(opCreateCheckout, "find active checkout", err)
	}
	if active != nil {
		return uuid.Nil, newError(ErrConflict, opCreateCheckout, fmt.Sprintf("%s (%s)", msgAlreadyCheckedOut, cmd.BookID))
	}

	checkout := ActiveCheckout{
		CheckoutID:   s.newID(),
		BookID:       cmd.BookID,
		BorrowerID:   cmd.BorrowerID,
		CheckedOutAt: at.UTC(),
	}
	n, err := tx.InsertActive(ctx, checkout)
	if err != nil {
		return uuid.Nil, storageError(opCreateCheckout, "insert checkout", err)
	}
	if n != 1 {
		return uuid.Nil, newError(ErrFatalOperation, opCreateCheckout, msgInsertNoRows)
	}

	event, err := eventlog.NewEvent(checkout.BookID, EventCheckoutCreated, CheckoutCreatedEvent{
		CheckoutID:   checkout.CheckoutID,
		BookID:       checkout.BookID,
		BorrowerID:   checkout.BorrowerID,
		CheckedOutAt: checkout.CheckedOutAt,
	}, checkout.CheckedOutAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", opCreateCheckout, err)
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return uuid.Nil, storageError(opCreateCheckout, "append journal event", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, storageError(opCreateCheckout, "commit", err)
	}

	span.SetAttributes(attribute.String("checkout.id", checkout.CheckoutID.String()))
	return checkout.CheckoutID, nil
}

// UpdateReturned archives the active loan and clears it as one unit. The
// history row and the delete commit together or not at all.
func (s *service) UpdateReturned(ctx context.Context, cmd UpdateReturned) (err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.update_returned",
		trace.WithAttributes(
			attribute.String("checkout.id", cmd.CheckoutID.String()),
			attribute.String("book.id", cmd.BookID.String()),
			attribute.String("borrower.id", cmd.BorrowerID.String()),
		),
	)
	defer func() { s.finish(ctx, span, opUpdateReturned, err) }()

	if cmd.CheckoutID == uuid.Nil || cmd.BookID == uuid.Nil || cmd.BorrowerID == uuid.Nil {
		return newError(ErrInvalidArgument, opUpdateReturned, "checkout id, book id and borrower id are required")
	}
	at := cmd.At
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return storageError(opUpdateReturned, "begin transaction", err)
	}
	defer tx.Rollback()

	exists, err := tx.BookExists(ctx, cmd.BookID)
	if err != nil {
		return storageError(opUpdateReturned, "check book", err)
	}
	if !exists {
		return newError(ErrNotFound, opUpdateReturned, fmt.Sprintf("%s (%s)", msgBookNotFound, cmd.BookID))
	}

	active, err := tx.FindActiveForUpdate(ctx, cmd.BookID)
	if err != nil {
		return storageError(opUpdateReturned, "find active checkout", err)
	}
	if active == nil {
		return newError(ErrNotFound, opUpdateReturned, fmt.Sprintf("%s (%s)", msgNoActiveCheckout, cmd.BookID))
	}
	if active.CheckoutID != cmd.CheckoutID || active.BorrowerID != cmd.BorrowerID {
		return newError(ErrConflict, opUpdateReturned, fmt.Sprintf("%s (checkout %s, borrower %s, book %s)",
			msgIdentityMismatch, cmd.CheckoutID, cmd.BorrowerID, cmd.BookID))
	}

	returnedAt := at.UTC()
	n, err := tx.ArchiveActive(ctx, cmd.CheckoutID, returnedAt)
	if err != nil {
		return storageError(opUpdateReturned, "archive checkout", err)
	}
	if n != 1 {
		return newError(ErrFatalOperation, opUpdateReturned, msgArchiveNoRows)
	}

	n, err = tx.DeleteActive(ctx, cmd.CheckoutID)
	if err != nil {
		return storageError(opUpdateReturned, "delete active checkout", err)
	}
	if n != 1 {
		return newError(ErrFatalOperation, opUpdateReturned, msgDeleteNoRows)
	}

	event, err := eventlog.NewEvent(cmd.BookID, EventCheckoutReturned, CheckoutReturnedEvent{
		CheckoutID: cmd.CheckoutID,
		BookID:     cmd.BookID,
		BorrowerID: cmd.BorrowerID,
		ReturnedAt: returnedAt,
	}, returnedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", opUpdateReturned, err)
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return storageError(opUpdateReturned, "append journal event", err)
	}

	if err := tx.Commit(); err != nil {
		return storageError(opUpdateReturned, "commit", err)
	}
	return nil
}

// ListUnreturnedAll returns every active loan, oldest first.
func (s *service) ListUnreturnedAll(ctx context.Context) ([]Checkout, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_unreturned")
	defer span.End()

	rows, err := s.store.FindUnreturnedAll(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find unreturned checkouts: %w", err)
	}
	span.SetAttributes(attribute.Int("checkouts.count", len(rows)))
	return assembleUnreturned(rows), nil
}

// ListUnreturnedByBorrower returns the borrower's active loans, oldest first.
func (s *service) ListUnreturnedByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]Checkout, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_unreturned_by_borrower",
		trace.WithAttributes(attribute.String("borrower.id", borrowerID.String())),
	)
	defer span.End()

	rows, err := s.store.FindUnreturnedByBorrower(ctx, borrowerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find unreturned checkouts for borrower %s: %w", borrowerID, err)
	}
	return assembleUnreturned(rows), nil
}

// CurrentCheckout returns the book's active loan, or nil.
func (s *service) CurrentCheckout(ctx context.Context, bookID uuid.UUID) (*Checkout, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.current_checkout",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	row, err := s.store.FindActiveByBook(ctx, bookID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find active checkout for book %s: %w", bookID, err)
	}
	if row == nil {
		return nil, nil
	}
	c := toCheckout(*row)
	return &c, nil
}

// HistoryForBook returns the current loan first, then past loans newest return first.
func (s *service) HistoryForBook(ctx context.Context, bookID uuid.UUID) ([]Checkout, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.history_for_book",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	active, err := s.store.FindActiveByBook(ctx, bookID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find active checkout for book %s: %w", bookID, err)
	}
	returned, err := s.store.FindReturnedByBook(ctx, bookID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find returned checkouts for book %s: %w", bookID, err)
	}
	return assembleHistory(active, returned), nil
}

// storageError keeps isolation aborts recognisable and wraps everything else.
func storageError(op, step string, err error) error {
	if IsRetryable(err) {
		return err
	}
	return fmt.Errorf("%s: %s: %w", op, step, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, ErrConflict):
		return outcomeConflict
	case errors.Is(err, ErrRetryableConflict):
		return outcomeRetryable
	case errors.Is(err, ErrFatalOperation):
		return outcomeFatal
	case errors.Is(err, ErrInvalidArgument):
		return outcomeInvalid
	default:
		return outcomeStorageErr
	}
}

func (s *service) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()

	outcome := outcomeOf(err)
	span.SetAttributes(attribute.String("outcome", outcome))
	if s.commands != nil {
		s.commands.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command", op),
			attribute.String("outcome", outcome),
		))
	}

	switch outcome {
	case outcomeOK:
		s.logger.DebugContext(ctx, "command committed", "op", op)
	case outcomeNotFound, outcomeConflict, outcomeInvalid:
		s.logger.InfoContext(ctx, "command rejected", "op", op, "outcome", outcome, "error", err)
	case outcomeRetryable:
		s.logger.WarnContext(ctx, "command aborted by isolation", "op", op, "error", err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "command failed", "op", op, "outcome", outcome, "error", err)
	}
}
