// internal/clients/catalog_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"bookledger/internal/catalog"
)

type CatalogClient struct {
	base
}

func NewCatalogClient(baseURL string, httpClient *http.Client) *CatalogClient {
	return &CatalogClient{base: newBase(baseURL, httpClient)}
}

// AddBook catalogues a book owned by the authenticated member.
func (c *CatalogClient) AddBook(ctx context.Context, creds Credentials, nb catalog.NewBook) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodPost, "/books", &creds, nb, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *CatalogClient) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/books/%s", id), nil, nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *CatalogClient) ListBooks(ctx context.Context, opts catalog.ListOptions) (*catalog.BookList, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(opts.Limit))
	q.Set("offset", strconv.Itoa(opts.Offset))

	var list catalog.BookList
	if err := c.do(ctx, http.MethodGet, "/books?"+q.Encode(), nil, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// UpdateBook rewrites a book the authenticated member owns. u.ID selects the
// book; u.OwnerID is ignored.
func (c *CatalogClient) UpdateBook(ctx context.Context, creds Credentials, u catalog.BookUpdate) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/books/%s", u.ID), &creds, u, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *CatalogClient) DeleteBook(ctx context.Context, creds Credentials, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/books/%s", id), &creds, nil, nil)
}
