package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
)

// BookAdder stocks the shelf experiments lend from.
type BookAdder interface {
	AddBook(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error)
}

// Target is the system under experiment.
type Target struct {
	Circulation circulation.Service
	Auditor     circulation.Auditor
	Catalog     BookAdder
	Retry       circulation.RetryPolicy
}

// RegisterExperiments registers the circulation race experiments.
func (e *Engine) RegisterExperiments(t Target, concurrency int, duration time.Duration) {
	e.Register(ConcurrentCheckoutRace(t, concurrency, duration))
	e.Register(DuplicateReturnRace(t, concurrency, duration))
	e.Register(CirculationChurn(t, concurrency, duration))
}

// consistencyMetrics turns an audit into steady-state metrics that must stay zero.
func consistencyMetrics(t Target) []Metric {
	query := func(pick func(circulation.AuditReport) int) func(context.Context) (float64, error) {
		return func(ctx context.Context) (float64, error) {
			report, err := t.Auditor.Audit(ctx)
			if err != nil {
				return 0, err
			}
			return float64(pick(report)), nil
		}
	}
	zero := Threshold{Operator: "==", Value: 0}
	return []Metric{
		{Name: "duplicate_active_books", Query: query(func(r circulation.AuditReport) int { return r.DuplicateActiveBooks }), Threshold: zero},
		{Name: "archived_still_active", Query: query(func(r circulation.AuditReport) int { return r.ArchivedStillActive }), Threshold: zero},
		{Name: "duplicate_history", Query: query(func(r circulation.AuditReport) int { return r.DuplicateHistory }), Threshold: zero},
	}
}

func consistencyAssertions() []Assertion {
	isZero := func(v float64) bool { return v == 0 }
	return []Assertion{
		{Metric: "duplicate_active_books", Condition: isZero, Message: "No book may hold more than one active checkout"},
		{Metric: "archived_still_active", Condition: isZero, Message: "An archived checkout must not remain active"},
		{Metric: "duplicate_history", Condition: isZero, Message: "A checkout must be archived at most once"},
	}
}

func addBook(ctx context.Context, t Target, title string) (uuid.UUID, error) {
	book, err := t.Catalog.AddBook(ctx, catalog.NewBook{
		Title:  title,
		Author: "Chaos Engine",
		ISBN:   "chaos-" + uuid.NewString()[:8],
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("add book: %w", err)
	}
	return book.ID, nil
}

// expectedRejection reports whether err is an outcome the coordinator is
// allowed to give a losing racer.
func expectedRejection(err error) bool {
	return errors.Is(err, circulation.ErrConflict) ||
		errors.Is(err, circulation.ErrNotFound) ||
		circulation.IsRetryable(err)
}

// race runs fn on n goroutines released together and counts successes.
func race(n int, fn func() error) (wins int, unexpected []error) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := fn()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !expectedRejection(err):
				unexpected = append(unexpected, err)
			}
		}()
	}
	close(start)
	wg.Wait()
	return wins, unexpected
}

func raceOutcome(name string, wins int, unexpected []error) error {
	if len(unexpected) > 0 {
		return fmt.Errorf("%s: %d unexpected failures, first: %w", name, len(unexpected), unexpected[0])
	}
	if wins != 1 {
		return fmt.Errorf("%s: expected exactly one winner, got %d", name, wins)
	}
	return nil
}

// ConcurrentCheckoutRace lends one book to many borrowers at once.
func ConcurrentCheckoutRace(t Target, concurrency int, duration time.Duration) Experiment {
	return Experiment{
		Name:        "concurrent-checkout-race",
		Hypothesis:  "Exactly one of many simultaneous checkouts of a book commits",
		SteadyState: consistencyMetrics(t),
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation.create_checkout",
			Execute: func(ctx context.Context) error {
				bookID, err := addBook(ctx, t, "Checkout race")
				if err != nil {
					return err
				}
				wins, unexpected := race(concurrency, func() error {
					cmd := circulation.CreateCheckout{BookID: bookID, BorrowerID: uuid.New()}
					_, err := circulation.Retry(ctx, t.Retry, func(ctx context.Context) (uuid.UUID, error) {
						return t.Circulation.CreateCheckout(ctx, cmd)
					})
					return err
				})
				return raceOutcome("checkout race", wins, unexpected)
			},
		}},
		Validation: consistencyAssertions(),
		Duration:   duration,
	}
}

// DuplicateReturnRace returns the same loan from many callers at once.
func DuplicateReturnRace(t Target, concurrency int, duration time.Duration) Experiment {
	return Experiment{
		Name:        "duplicate-return-race",
		Hypothesis:  "A loan returned by many callers at once is archived exactly once",
		SteadyState: consistencyMetrics(t),
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation.update_returned",
			Execute: func(ctx context.Context) error {
				bookID, err := addBook(ctx, t, "Return race")
				if err != nil {
					return err
				}
				borrowerID := uuid.New()
				checkoutID, err := t.Circulation.CreateCheckout(ctx, circulation.CreateCheckout{BookID: bookID, BorrowerID: borrowerID})
				if err != nil {
					return fmt.Errorf("seed checkout: %w", err)
				}
				cmd := circulation.UpdateReturned{CheckoutID: checkoutID, BookID: bookID, BorrowerID: borrowerID}
				wins, unexpected := race(concurrency, func() error {
					return circulation.RetryCommand(ctx, t.Retry, func(ctx context.Context) error {
						return t.Circulation.UpdateReturned(ctx, cmd)
					})
				})
				return raceOutcome("return race", wins, unexpected)
			},
		}},
		Validation: consistencyAssertions(),
		Duration:   duration,
	}
}

// CirculationChurn runs random checkouts and returns over a small shelf for
// the whole observation window, so audits sample the store under load.
func CirculationChurn(t Target, workers int, duration time.Duration) Experiment {
	const shelfSize = 4
	var (
		stop    context.CancelFunc
		done    sync.WaitGroup
		failure atomic.Pointer[error]
	)

	return Experiment{
		Name:        "circulation-churn",
		Hypothesis:  "Random concurrent checkouts and returns never break consistency",
		SteadyState: consistencyMetrics(t),
		Method: []Action{{
			Type:   "background-load",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				shelf := make([]uuid.UUID, 0, shelfSize)
				for i := 0; i < shelfSize; i++ {
					id, err := addBook(ctx, t, fmt.Sprintf("Churn %d", i))
					if err != nil {
						return err
					}
					shelf = append(shelf, id)
				}

				var loadCtx context.Context
				loadCtx, stop = context.WithCancel(context.WithoutCancel(ctx))
				for w := 0; w < workers; w++ {
					done.Add(1)
					go func() {
						defer done.Done()
						churn(loadCtx, t, shelf, &failure)
					}()
				}
				return nil
			},
		}},
		Rollback: []Action{{
			Type:   "stop-load",
			Target: "circulation",
			Execute: func(context.Context) error {
				if stop != nil {
					stop()
				}
				done.Wait()
				if errp := failure.Load(); errp != nil {
					return *errp
				}
				return nil
			},
		}},
		Validation: consistencyAssertions(),
		Duration:   duration,
	}
}

func churn(ctx context.Context, t Target, shelf []uuid.UUID, failure *atomic.Pointer[error]) {
	borrower := uuid.New()
	var mine []circulation.UpdateReturned

	for ctx.Err() == nil {
		if len(mine) > 0 && rand.IntN(2) == 0 {
			i := rand.IntN(len(mine))
			cmd := mine[i]
			err := circulation.RetryCommand(ctx, t.Retry, func(ctx context.Context) error {
				return t.Circulation.UpdateReturned(ctx, cmd)
			})
			if err == nil || errors.Is(err, circulation.ErrNotFound) {
				mine = append(mine[:i], mine[i+1:]...)
				continue
			}
			if ctx.Err() == nil && !expectedRejection(err) {
				failure.CompareAndSwap(nil, &err)
			}
			continue
		}

		bookID := shelf[rand.IntN(len(shelf))]
		cmd := circulation.CreateCheckout{BookID: bookID, BorrowerID: borrower}
		id, err := circulation.Retry(ctx, t.Retry, func(ctx context.Context) (uuid.UUID, error) {
			return t.Circulation.CreateCheckout(ctx, cmd)
		})
		if err == nil {
			mine = append(mine, circulation.UpdateReturned{CheckoutID: id, BookID: bookID, BorrowerID: borrower})
			continue
		}
		if ctx.Err() == nil && !expectedRejection(err) {
			failure.CompareAndSwap(nil, &err)
		}
	}
}
