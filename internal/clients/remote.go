package clients

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/membership"
)

// Remote drives a running server through the circulation.Service interface.
// Borrower ids in commands are local aliases: the first command for an alias
// registers a fresh member, and later commands authenticate as that member.
// Books are added by a librarian alias of their own.
type Remote struct {
	*CatalogClient
	members     *MembershipClient
	circulation *CirculationClient
	librarian   uuid.UUID

	mu      sync.Mutex
	aliases map[uuid.UUID]*alias
}

type alias struct {
	once  sync.Once
	creds Credentials
	err   error
}

var _ circulation.Service = (*Remote)(nil)
var _ circulation.Auditor = (*Remote)(nil)

func NewRemote(baseURL string, httpClient *http.Client) *Remote {
	return &Remote{
		CatalogClient: NewCatalogClient(baseURL, httpClient),
		members:       NewMembershipClient(baseURL, httpClient),
		circulation:   NewCirculationClient(baseURL, httpClient),
		librarian:     uuid.New(),
		aliases:       make(map[uuid.UUID]*alias),
	}
}

func (r *Remote) credentials(ctx context.Context, borrowerID uuid.UUID) (Credentials, error) {
	r.mu.Lock()
	a, ok := r.aliases[borrowerID]
	if !ok {
		a = &alias{}
		r.aliases[borrowerID] = a
	}
	r.mu.Unlock()

	a.once.Do(func() {
		creds := Credentials{
			Email:    fmt.Sprintf("borrower-%s@bookledger.test", borrowerID),
			Password: "pw-" + borrowerID.String(),
		}
		_, err := r.members.RegisterMember(ctx, membership.Registration{
			Email:    creds.Email,
			Name:     "Borrower " + borrowerID.String()[:8],
			Password: creds.Password,
		})
		if err != nil {
			a.err = fmt.Errorf("register borrower %s: %w", borrowerID, err)
			return
		}
		a.creds = creds
	})
	return a.creds, a.err
}

// AddBook catalogues a book owned by the librarian alias.
func (r *Remote) AddBook(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error) {
	creds, err := r.credentials(ctx, r.librarian)
	if err != nil {
		return nil, err
	}
	return r.CatalogClient.AddBook(ctx, creds, nb)
}

func (r *Remote) CreateCheckout(ctx context.Context, cmd circulation.CreateCheckout) (uuid.UUID, error) {
	creds, err := r.credentials(ctx, cmd.BorrowerID)
	if err != nil {
		return uuid.Nil, err
	}
	return r.circulation.Checkout(ctx, creds, cmd.BookID, cmd.At)
}

func (r *Remote) UpdateReturned(ctx context.Context, cmd circulation.UpdateReturned) error {
	creds, err := r.credentials(ctx, cmd.BorrowerID)
	if err != nil {
		return err
	}
	return r.circulation.Return(ctx, creds, cmd.BookID, cmd.CheckoutID, cmd.At)
}

func (r *Remote) ListUnreturnedAll(ctx context.Context) ([]circulation.Checkout, error) {
	return r.circulation.ListUnreturned(ctx)
}

func (r *Remote) ListUnreturnedByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]circulation.Checkout, error) {
	creds, err := r.credentials(ctx, borrowerID)
	if err != nil {
		return nil, err
	}
	return r.circulation.ListMine(ctx, creds)
}

func (r *Remote) HistoryForBook(ctx context.Context, bookID uuid.UUID) ([]circulation.Checkout, error) {
	return r.circulation.History(ctx, bookID)
}

// CurrentCheckout reads the book's checkout_info.
func (r *Remote) CurrentCheckout(ctx context.Context, bookID uuid.UUID) (*circulation.Checkout, error) {
	book, err := r.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book.CheckoutInfo == nil {
		return nil, nil
	}
	return &circulation.Checkout{
		ID:           book.CheckoutInfo.ID,
		CheckedOutBy: book.CheckoutInfo.CheckedOutBy,
		CheckedOutAt: book.CheckoutInfo.CheckedOutAt,
		Book: circulation.CheckoutBook{
			ID:     book.ID,
			Title:  book.Title,
			Author: book.Author,
			ISBN:   book.ISBN,
		},
	}, nil
}

func (r *Remote) Audit(ctx context.Context) (circulation.AuditReport, error) {
	return r.circulation.Audit(ctx)
}
