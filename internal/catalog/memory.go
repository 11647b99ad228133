package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RemovalGuard serialises book removal against lending. GuardRemoval calls
// remove only while no active loan exists for the book, and returns
// ErrBookOnLoan otherwise.
type RemovalGuard interface {
	GuardRemoval(ctx context.Context, bookID uuid.UUID, remove func() error) error
}

// MemoryService is a map-backed catalog for tests and the in-memory store.
type MemoryService struct {
	mu    sync.RWMutex
	books map[uuid.UUID]Book
	now   func() time.Time
	guard RemovalGuard
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService creates an empty in-memory catalog.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		books: make(map[uuid.UUID]Book),
		now:   time.Now,
	}
}

// SetRemovalGuard makes DeleteBook consult g. Without a guard, books are
// removed whatever their loan state.
func (m *MemoryService) SetRemovalGuard(g RemovalGuard) {
	m.mu.Lock()
	m.guard = g
	m.mu.Unlock()
}

func (m *MemoryService) AddBook(_ context.Context, nb NewBook) (*Book, error) {
	if err := nb.validate(); err != nil {
		return nil, err
	}
	book := Book{
		ID:          uuid.New(),
		OwnerID:     nb.OwnerID,
		Title:       nb.Title,
		Author:      nb.Author,
		ISBN:        nb.ISBN,
		Description: nb.Description,
		CreatedAt:   m.now().UTC(),
	}

	m.mu.Lock()
	m.books[book.ID] = book
	m.mu.Unlock()

	return &book, nil
}

func (m *MemoryService) GetBook(_ context.Context, id uuid.UUID) (*Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, id)
	}
	return &book, nil
}

func (m *MemoryService) ListBooks(_ context.Context, opts ListOptions) (*BookList, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	all := make([]Book, 0, len(m.books))
	for _, b := range m.books {
		all = append(all, b)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	list := &BookList{
		Items:  make([]*Book, 0, opts.Limit),
		Total:  len(all),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := opts.Offset; i < len(all) && len(list.Items) < opts.Limit; i++ {
		b := all[i]
		list.Items = append(list.Items, &b)
	}
	return list, nil
}

func (m *MemoryService) UpdateBook(_ context.Context, u BookUpdate) (*Book, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[u.ID]
	if !ok || book.OwnerID != u.OwnerID {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, u.ID)
	}
	book.Title = u.Title
	book.Author = u.Author
	book.ISBN = u.ISBN
	book.Description = u.Description
	m.books[u.ID] = book
	return &book, nil
}

func (m *MemoryService) DeleteBook(ctx context.Context, id, ownerID uuid.UUID) error {
	m.mu.RLock()
	book, ok := m.books[id]
	guard := m.guard
	m.mu.RUnlock()
	if !ok || book.OwnerID != ownerID {
		return fmt.Errorf("%w: %s", ErrBookNotFound, id)
	}

	remove := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if b, ok := m.books[id]; !ok || b.OwnerID != ownerID {
			return fmt.Errorf("%w: %s", ErrBookNotFound, id)
		}
		delete(m.books, id)
		return nil
	}
	if guard == nil {
		return remove()
	}
	return guard.GuardRemoval(ctx, id, remove)
}

func (m *MemoryService) BookExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.books[id]
	return ok, nil
}
