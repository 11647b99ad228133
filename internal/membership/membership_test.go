package membership

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookledger/internal/database/databasetest"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, salt, err := hashPassword("correct horse battery staple")
	require.NoError(t, err)

	ok, err := verifyPassword("correct horse battery staple", salt, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("Tr0ub4dor&3", salt, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyPassword("x", "%%%", hash)
	assert.Error(t, err)
}

func TestAttemptLimiterIsPerEmail(t *testing.T) {
	l := newAttemptLimiter(2)
	assert.True(t, l.allow("a@example.com"))
	assert.True(t, l.allow(" A@Example.com "))
	assert.False(t, l.allow("a@example.com"))
	assert.True(t, l.allow("b@example.com"))
}

func TestAttemptLimiterEvictsIdleBuckets(t *testing.T) {
	l := newAttemptLimiter(2)
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 500; i++ {
		l.allow(fmt.Sprintf("sprayed-%d@example.com", i))
	}
	assert.True(t, l.allow("a@example.com"))
	assert.True(t, l.allow("a@example.com"))
	assert.False(t, l.allow("a@example.com"))
	assert.Len(t, l.buckets, 501)

	now = now.Add(30 * time.Second)
	l.allow("a@example.com")
	now = now.Add(bucketIdleTTL)
	assert.True(t, l.allow("b@example.com"))
	assert.Len(t, l.buckets, 1, "every bucket idle for a full minute is dropped")

	now = now.Add(time.Second)
	assert.True(t, l.allow("b@example.com"))
	assert.False(t, l.allow("b@example.com"), "live buckets keep their state")
}

func TestMemoryServiceRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0)

	member, err := svc.RegisterMember(ctx, Registration{Email: "Reader@Example.com", Name: "Reader", Password: "s3cret-pass"})
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", member.Email)
	assert.Equal(t, statusActive, member.Status)

	_, err = svc.RegisterMember(ctx, Registration{Email: "reader@example.com", Name: "Again", Password: "s3cret-pass"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	got, err := svc.Authenticate(ctx, "reader@example.com", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, member.ID, got.ID)

	_, err = svc.Authenticate(ctx, "reader@example.com", "wrong-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "nobody@example.com", "s3cret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.GetMember(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestAuthenticateRateLimited(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(1)

	_, err := svc.Authenticate(ctx, "x@example.com", "whatever1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "x@example.com", "whatever1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAuthenticatorMiddleware(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0)
	member, err := svc.RegisterMember(ctx, Registration{Email: "lender@example.com", Name: "Lender", Password: "p4ssword!"})
	require.NoError(t, err)

	var seen uuid.UUID
	protected := Authenticator(svc, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = BorrowerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		user     string
		password string
		basic    bool
		want     int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "lender@example.com", "nope-nope", true, http.StatusUnauthorized},
		{"valid", "lender@example.com", "p4ssword!", true, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/users/me/checkouts", nil)
			if tt.basic {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, member.ID, seen)
}

func TestHandleRegisterMember(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(NewMemoryService(0)).Routes(r)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/members", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"email":"new@example.com","name":"New","password":"longenough"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var m Member
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "new@example.com", m.Email)

	assert.Equal(t, http.StatusConflict, post(`{"email":"new@example.com","name":"New","password":"longenough"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"email":"not-an-email","name":"New","password":"longenough"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"email":"short@example.com","name":"New","password":"short"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{`).Code)
}

func TestBorrowerFromContextRejectsNil(t *testing.T) {
	_, ok := BorrowerFromContext(context.Background())
	assert.False(t, ok)
	_, ok = BorrowerFromContext(WithBorrower(context.Background(), uuid.Nil))
	assert.False(t, ok)
}

func TestPostgresServiceRegisterAndAuthenticate(t *testing.T) {
	db := databasetest.Open(t)
	ctx := context.Background()
	svc := NewService(db, 0)

	member, err := svc.RegisterMember(ctx, Registration{Email: "Grace@Example.com", Name: "Grace", Password: "cobol-1959"})
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", member.Email)

	_, err = svc.RegisterMember(ctx, Registration{Email: "grace@example.com", Name: "Dup", Password: "cobol-1959"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	got, err := svc.Authenticate(ctx, "GRACE@example.com", "cobol-1959")
	require.NoError(t, err)
	assert.Equal(t, member.ID, got.ID)

	_, err = svc.Authenticate(ctx, "grace@example.com", "fortran")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	fetched, err := svc.GetMember(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, "Grace", fetched.Name)

	_, err = svc.GetMember(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "40001"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}
