// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, book NewBook) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context, opts ListOptions) (*BookList, error)
	UpdateBook(ctx context.Context, update BookUpdate) (*Book, error)
	// DeleteBook removes an owned book. A book on loan is refused with
	// ErrBookOnLoan.
	DeleteBook(ctx context.Context, id, ownerID uuid.UUID) error
	BookExists(ctx context.Context, id uuid.UUID) (bool, error)
}
