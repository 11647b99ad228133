// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// ActiveCheckout is a book currently lent to a borrower. At most one exists per book.
type ActiveCheckout struct {
	CheckoutID   uuid.UUID `db:"checkout_id"`
	BookID       uuid.UUID `db:"book_id"`
	BorrowerID   uuid.UUID `db:"borrower_id"`
	CheckedOutAt time.Time `db:"checked_out_at"`
}

// ReturnedCheckout is an archived loan. Rows are written once and never changed.
type ReturnedCheckout struct {
	CheckoutID   uuid.UUID `db:"checkout_id"`
	BookID       uuid.UUID `db:"book_id"`
	BorrowerID   uuid.UUID `db:"borrower_id"`
	CheckedOutAt time.Time `db:"checked_out_at"`
	ReturnedAt   time.Time `db:"returned_at"`
}

// CheckoutRow is a store read result: an active or returned loan joined with its book.
type CheckoutRow struct {
	CheckoutID   uuid.UUID  `db:"checkout_id"`
	BookID       uuid.UUID  `db:"book_id"`
	BorrowerID   uuid.UUID  `db:"borrower_id"`
	CheckedOutAt time.Time  `db:"checked_out_at"`
	ReturnedAt   *time.Time `db:"returned_at"`
	Title        string     `db:"title"`
	Author       string     `db:"author"`
	ISBN         string     `db:"isbn"`
}

// CheckoutBook is the book descriptor embedded in a Checkout.
type CheckoutBook struct {
	ID     uuid.UUID `json:"id"`
	Title  string    `json:"title"`
	Author string    `json:"author"`
	ISBN   string    `json:"isbn"`
}

// Checkout is the presentation value handed to callers.
type Checkout struct {
	ID           uuid.UUID    `json:"id"`
	CheckedOutBy uuid.UUID    `json:"checked_out_by"`
	CheckedOutAt time.Time    `json:"checked_out_at"`
	ReturnedAt   *time.Time   `json:"returned_at,omitempty"`
	Book         CheckoutBook `json:"book"`
}

// CreateCheckout asks to lend a book to a borrower.
type CreateCheckout struct {
	BookID     uuid.UUID
	BorrowerID uuid.UUID
	At         time.Time
}

// UpdateReturned asks to close a loan.
type UpdateReturned struct {
	CheckoutID uuid.UUID
	BookID     uuid.UUID
	BorrowerID uuid.UUID
	At         time.Time
}

// Journal event types written alongside each transition.
const (
	EventCheckoutCreated  = "CheckoutCreated"
	EventCheckoutReturned = "CheckoutReturned"
)

// CheckoutCreatedEvent is journaled when a book is lent.
type CheckoutCreatedEvent struct {
	CheckoutID   uuid.UUID `json:"checkout_id"`
	BookID       uuid.UUID `json:"book_id"`
	BorrowerID   uuid.UUID `json:"borrower_id"`
	CheckedOutAt time.Time `json:"checked_out_at"`
}

// CheckoutReturnedEvent is journaled when a loan is closed.
type CheckoutReturnedEvent struct {
	CheckoutID uuid.UUID `json:"checkout_id"`
	BookID     uuid.UUID `json:"book_id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	ReturnedAt time.Time `json:"returned_at"`
}
