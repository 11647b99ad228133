// internal/clients/circulation_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"bookledger/internal/circulation"
)

type CirculationClient struct {
	base
}

func NewCirculationClient(baseURL string, httpClient *http.Client) *CirculationClient {
	return &CirculationClient{base: newBase(baseURL, httpClient)}
}

type stampBody struct {
	At *time.Time `json:"at,omitempty"`
}

func stamp(at time.Time) any {
	if at.IsZero() {
		return nil
	}
	return stampBody{At: &at}
}

// Checkout lends bookID to the member behind creds. A zero at lets the
// server stamp the loan.
func (c *CirculationClient) Checkout(ctx context.Context, creds Credentials, bookID uuid.UUID, at time.Time) (uuid.UUID, error) {
	var resp struct {
		CheckoutID uuid.UUID `json:"checkout_id"`
	}
	path := fmt.Sprintf("/books/%s/checkouts", bookID)
	if err := c.do(ctx, http.MethodPost, path, &creds, stamp(at), &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.CheckoutID, nil
}

func (c *CirculationClient) Return(ctx context.Context, creds Credentials, bookID, checkoutID uuid.UUID, at time.Time) error {
	path := fmt.Sprintf("/books/%s/checkouts/%s/returned", bookID, checkoutID)
	return c.do(ctx, http.MethodPut, path, &creds, stamp(at), nil)
}

func (c *CirculationClient) ListUnreturned(ctx context.Context) ([]circulation.Checkout, error) {
	return c.list(ctx, "/books/checkouts", nil)
}

func (c *CirculationClient) ListMine(ctx context.Context, creds Credentials) ([]circulation.Checkout, error) {
	return c.list(ctx, "/users/me/checkouts", &creds)
}

func (c *CirculationClient) History(ctx context.Context, bookID uuid.UUID) ([]circulation.Checkout, error) {
	return c.list(ctx, fmt.Sprintf("/books/%s/checkout-history", bookID), nil)
}

func (c *CirculationClient) list(ctx context.Context, path string, creds *Credentials) ([]circulation.Checkout, error) {
	var page struct {
		Items []circulation.Checkout `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, creds, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Audit fetches the server's consistency report.
func (c *CirculationClient) Audit(ctx context.Context) (circulation.AuditReport, error) {
	var report circulation.AuditReport
	err := c.do(ctx, http.MethodGet, "/health/consistency", nil, nil, &report)
	return report, err
}
