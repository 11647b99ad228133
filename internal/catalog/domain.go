// internal/catalog/domain.go
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound  = errors.New("book not found")
	ErrInvalidBook   = errors.New("invalid book")
	ErrInvalidPaging = errors.New("invalid paging options")
	ErrBookOnLoan    = errors.New("book is checked out")
	// ErrConcurrentChange means a removal lost a race with a checkout and
	// may be retried.
	ErrConcurrentChange = errors.New("book changed concurrently")
)

const maxPageSize = 100

// Book represents a catalogued book. Circulation only checks that it exists
// and reads its descriptive fields.
type Book struct {
	ID          uuid.UUID `json:"id" db:"book_id"`
	OwnerID     uuid.UUID `json:"owner_id" db:"owner_id"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author" db:"author"`
	ISBN        string    `json:"isbn" db:"isbn"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`

	// CheckoutInfo is the current loan, filled in by the HTTP layer.
	CheckoutInfo *CheckoutInfo `json:"checkout_info" db:"-"`
}

// CheckoutInfo describes who holds a book right now.
type CheckoutInfo struct {
	ID           uuid.UUID `json:"id"`
	CheckedOutBy uuid.UUID `json:"checked_out_by"`
	CheckedOutAt time.Time `json:"checked_out_at"`
}

// LoanLookup reports a book's current loan, or nil when it is on the shelf.
type LoanLookup interface {
	CurrentCheckout(ctx context.Context, bookID uuid.UUID) (*CheckoutInfo, error)
}

// NewBook is the input to AddBook. OwnerID is the member adding the book; it
// is never read from the request body.
type NewBook struct {
	OwnerID     uuid.UUID `json:"-"`
	Title       string    `json:"title" validate:"required,max=255"`
	Author      string    `json:"author" validate:"required,max=255"`
	ISBN        string    `json:"isbn" validate:"required,max=32"`
	Description string    `json:"description" validate:"max=4000"`
}

// BookUpdate replaces a book's descriptive fields. Only the owner may apply
// it; for anyone else the book does not exist.
type BookUpdate struct {
	ID          uuid.UUID `json:"-" db:"book_id"`
	OwnerID     uuid.UUID `json:"-" db:"owner_id"`
	Title       string    `json:"title" db:"title" validate:"required,max=255"`
	Author      string    `json:"author" db:"author" validate:"required,max=255"`
	ISBN        string    `json:"isbn" db:"isbn" validate:"required,max=32"`
	Description string    `json:"description" db:"description" validate:"max=4000"`
}

// ListOptions pages through the catalog.
type ListOptions struct {
	Limit  int
	Offset int
}

// BookList is one page of the catalog. Total counts every book, not just
// this page.
type BookList struct {
	Items  []*Book `json:"items"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

func (o ListOptions) validate() error {
	if o.Limit < 1 || o.Limit > maxPageSize || o.Offset < 0 {
		return ErrInvalidPaging
	}
	return nil
}

func (b NewBook) validate() error {
	if b.Title == "" || b.Author == "" || b.ISBN == "" {
		return ErrInvalidBook
	}
	return nil
}

func (u BookUpdate) validate() error {
	if u.Title == "" || u.Author == "" || u.ISBN == "" {
		return ErrInvalidBook
	}
	return nil
}
