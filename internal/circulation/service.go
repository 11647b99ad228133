// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the circulation service.
type Service interface {
	CreateCheckout(ctx context.Context, cmd CreateCheckout) (uuid.UUID, error)
	UpdateReturned(ctx context.Context, cmd UpdateReturned) error

	ListUnreturnedAll(ctx context.Context) ([]Checkout, error)
	ListUnreturnedByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]Checkout, error)
	HistoryForBook(ctx context.Context, bookID uuid.UUID) ([]Checkout, error)
	// CurrentCheckout returns the book's active loan, or nil when it is on
	// the shelf.
	CurrentCheckout(ctx context.Context, bookID uuid.UUID) (*Checkout, error)
}
