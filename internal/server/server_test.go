package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/circulation/memstore"
	"bookledger/internal/config"
	"bookledger/internal/membership"
)

type fakeAuditor struct {
	report circulation.AuditReport
	err    error
}

func (f fakeAuditor) Audit(context.Context) (circulation.AuditReport, error) { return f.report, f.err }

func memoryDeps() Deps {
	books := catalog.NewMemoryService()
	store := memstore.New(books)
	books.SetRemovalGuard(store)
	return Deps{
		Catalog:     books,
		Members:     membership.NewMemoryService(1000),
		Circulation: circulation.NewService(store, nil),
		Events:      store,
		Auditor:     store,
		Retry:       circulation.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond},
	}
}

func TestHealth(t *testing.T) {
	d := memoryDeps()
	srv := httptest.NewServer(NewRouter(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestHealthReportsPingFailure(t *testing.T) {
	d := memoryDeps()
	d.Ping = func(context.Context) error { return errors.New("connection refused") }
	srv := httptest.NewServer(NewRouter(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unavailable", body["status"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestConsistencyEndpoint(t *testing.T) {
	d := memoryDeps()
	d.Auditor = fakeAuditor{report: circulation.AuditReport{DuplicateActiveBooks: 2}}
	srv := httptest.NewServer(NewRouter(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/consistency")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report circulation.AuditReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 2, report.DuplicateActiveBooks)
	assert.False(t, report.Consistent())
}

func TestConsistencyEndpointAuditFailure(t *testing.T) {
	d := memoryDeps()
	d.Auditor = fakeAuditor{err: errors.New("boom")}
	srv := httptest.NewServer(NewRouter(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/consistency")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestMembersMeRequiresAuth(t *testing.T) {
	d := memoryDeps()
	srv := httptest.NewServer(NewRouter(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/members/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	payload := []byte(`{"email":"ada@example.com","name":"Ada","password":"correct horse"}`)
	resp, err = http.Post(srv.URL+"/members", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/members/me", nil)
	require.NoError(t, err)
	req.SetBasicAuth("ada@example.com", "correct horse")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me membership.Member
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "ada@example.com", me.Email)
}

func TestCheckoutRequiresAuth(t *testing.T) {
	d := memoryDeps()
	srv := httptest.NewServer(NewRouter(d))
	defer srv.Close()

	book, err := d.Catalog.AddBook(context.Background(), catalog.NewBook{Title: "T", Author: "A", ISBN: "1"})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/books/"+book.ID.String()+"/checkouts", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBuildMemory(t *testing.T) {
	cfg := &config.Config{
		Store:                config.StoreMemory,
		RetryMaxAttempts:     4,
		RetryInitialInterval: time.Millisecond,
		AuthRatePerMinute:    10,
	}
	d, closeFn, err := Build(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, uint(4), d.Retry.MaxAttempts)
	assert.Nil(t, d.Ping)

	book, err := d.Catalog.AddBook(context.Background(), catalog.NewBook{Title: "T", Author: "A", ISBN: "2"})
	require.NoError(t, err)
	_, err = d.Circulation.CreateCheckout(context.Background(), circulation.CreateCheckout{BookID: book.ID, BorrowerID: uuid.New()})
	require.NoError(t, err)

	report, err := d.Auditor.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Consistent())

	owner := uuid.New()
	owned, err := d.Catalog.AddBook(context.Background(), catalog.NewBook{OwnerID: owner, Title: "T", Author: "A", ISBN: "3"})
	require.NoError(t, err)
	_, err = d.Circulation.CreateCheckout(context.Background(), circulation.CreateCheckout{BookID: owned.ID, BorrowerID: uuid.New()})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Catalog.DeleteBook(context.Background(), owned.ID, owner), catalog.ErrBookOnLoan)
}

type apiClient struct {
	t   *testing.T
	url string
}

func (c apiClient) do(method, path, email, body string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.url+path, bytes.NewReader([]byte(body)))
	require.NoError(c.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if email != "" {
		req.SetBasicAuth(email, "correct horse")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c apiClient) register(email string) uuid.UUID {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/members", "", `{"email":"`+email+`","name":"Member","password":"correct horse"}`)
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
	var m membership.Member
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&m))
	return m.ID
}

func decodeBook(t *testing.T, resp *http.Response) catalog.Book {
	t.Helper()
	var b catalog.Book
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	return b
}

func TestBookLifecycleIsOwnerScoped(t *testing.T) {
	srv := httptest.NewServer(NewRouter(memoryDeps()))
	defer srv.Close()
	api := apiClient{t: t, url: srv.URL}

	ada := api.register("ada@example.com")
	bob := api.register("bob@example.com")

	resp := api.do(http.MethodPost, "/books", "", `{"title":"Persuasion","author":"Jane Austen","isbn":"9780141439686"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = api.do(http.MethodPost, "/books", "ada@example.com", `{"title":"Persuasion","author":"Jane Austen","isbn":"9780141439686"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	book := decodeBook(t, resp)
	assert.Equal(t, ada, book.OwnerID)
	path := "/books/" + book.ID.String()

	resp = api.do(http.MethodGet, path, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, decodeBook(t, resp).CheckoutInfo)

	resp = api.do(http.MethodPost, path+"/checkouts", "bob@example.com", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = api.do(http.MethodGet, path, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeBook(t, resp).CheckoutInfo
	require.NotNil(t, info)
	assert.Equal(t, bob, info.CheckedOutBy)
	assert.NotEqual(t, uuid.Nil, info.ID)

	resp = api.do(http.MethodGet, "/books?limit=1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list catalog.BookList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 1, list.Limit)
	require.Len(t, list.Items, 1)
	require.NotNil(t, list.Items[0].CheckoutInfo)
	assert.Equal(t, info.ID, list.Items[0].CheckoutInfo.ID)

	// Someone else's book is not found, whatever its state.
	update := `{"title":"Persuasion (annotated)","author":"Jane Austen","isbn":"9780141439686"}`
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPut, path, "bob@example.com", update).StatusCode)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodDelete, path, "bob@example.com", "").StatusCode)

	assert.Equal(t, http.StatusConflict, api.do(http.MethodDelete, path, "ada@example.com", "").StatusCode)

	resp = api.do(http.MethodPut, path, "ada@example.com", update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBook(t, resp)
	assert.Equal(t, "Persuasion (annotated)", updated.Title)
	require.NotNil(t, updated.CheckoutInfo)

	resp = api.do(http.MethodPut, path+"/checkouts/"+info.ID.String()+"/returned", "bob@example.com", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, path, "ada@example.com", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, path, "", "").StatusCode)
}
