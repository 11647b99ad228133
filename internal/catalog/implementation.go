// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bookledger/internal/database"
)

const bookColumns = `book_id, owner_id, title, author, isbn, description, created_at`

// service implements the Service interface on PostgreSQL.
type service struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(db *sqlx.DB) Service {
	return &service{
		db:     db,
		tracer: otel.Tracer("bookledger/catalog"),
	}
}

// AddBook creates a new book in the catalog.
func (s *service) AddBook(ctx context.Context, nb NewBook) (*Book, error) {
	if err := nb.validate(); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "catalog.add_book")
	defer span.End()

	book := &Book{
		ID:          uuid.New(),
		OwnerID:     nb.OwnerID,
		Title:       nb.Title,
		Author:      nb.Author,
		ISBN:        nb.ISBN,
		Description: nb.Description,
		CreatedAt:   time.Now().UTC(),
	}
	query := `
		INSERT INTO books (book_id, owner_id, title, author, isbn, description, created_at)
		VALUES (:book_id, :owner_id, :title, :author, :isbn, :description, :created_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, book); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert book: %w", err)
	}

	span.SetAttributes(attribute.String("book.id", book.ID.String()))
	return book, nil
}

// GetBook retrieves a book from the catalog by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	book := &Book{}
	if err := s.db.GetContext(ctx, book, `SELECT `+bookColumns+` FROM books WHERE book_id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrBookNotFound, id)
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return book, nil
}

// listedBook carries the window count next to each row of a page.
type listedBook struct {
	Book
	Total int `db:"total"`
}

// ListBooks pages through the catalog, newest first.
func (s *service) ListBooks(ctx context.Context, opts ListOptions) (*BookList, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	query := `
		SELECT COUNT(*) OVER () AS total, ` + bookColumns + `
		FROM books
		ORDER BY created_at DESC, book_id
		LIMIT $1 OFFSET $2
	`
	var rows []listedBook
	if err := s.db.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}

	list := &BookList{Items: make([]*Book, 0, len(rows)), Limit: opts.Limit, Offset: opts.Offset}
	for i := range rows {
		list.Items = append(list.Items, &rows[i].Book)
		list.Total = rows[i].Total
	}
	// A page past the end has no row to carry the window count.
	if len(rows) == 0 && opts.Offset > 0 {
		if err := s.db.GetContext(ctx, &list.Total, `SELECT count(*) FROM books`); err != nil {
			return nil, fmt.Errorf("failed to count books: %w", err)
		}
	}
	return list, nil
}

// UpdateBook rewrites an owned book. A book owned by someone else is reported
// as not found.
func (s *service) UpdateBook(ctx context.Context, u BookUpdate) (*Book, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "catalog.update_book",
		trace.WithAttributes(attribute.String("book.id", u.ID.String())),
	)
	defer span.End()

	query := `
		UPDATE books
		SET title = :title, author = :author, isbn = :isbn, description = :description
		WHERE book_id = :book_id AND owner_id = :owner_id
		RETURNING ` + bookColumns
	rows, err := s.db.NamedQueryContext(ctx, query, u)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update book: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to update book: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, u.ID)
	}
	book := &Book{}
	if err := rows.StructScan(book); err != nil {
		return nil, fmt.Errorf("failed to scan updated book: %w", err)
	}
	return book, nil
}

// DeleteBook removes an owned book that is not on loan. The loan check and
// the delete share a serializable transaction, so a checkout racing the
// delete aborts one of the two.
func (s *service) DeleteBook(ctx context.Context, id, ownerID uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	var owned, onLoan bool
	if err := tx.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM books WHERE book_id = $1 AND owner_id = $2)`, id, ownerID,
	).Scan(&owned); err != nil {
		return deleteError("check owner", err)
	}
	if !owned {
		return fmt.Errorf("%w: %s", ErrBookNotFound, id)
	}
	if err := tx.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM active_checkouts WHERE book_id = $1)`, id,
	).Scan(&onLoan); err != nil {
		return deleteError("check loans", err)
	}
	if onLoan {
		return fmt.Errorf("%w: %s", ErrBookOnLoan, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM books WHERE book_id = $1 AND owner_id = $2`, id, ownerID); err != nil {
		return deleteError("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return deleteError("commit", err)
	}
	return nil
}

func deleteError(step string, err error) error {
	switch database.SQLState(err) {
	case database.CodeSerializationFailure, database.CodeDeadlockDetected:
		return fmt.Errorf("delete book: %s: %w: %w", step, ErrConcurrentChange, err)
	}
	return fmt.Errorf("delete book: %s: %w", step, err)
}

// BookExists reports whether a book with the ID is catalogued.
func (s *service) BookExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowxContext(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE book_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check book: %w", err)
	}
	return exists, nil
}
