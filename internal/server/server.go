// Package server assembles the bookledger HTTP API from its services.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/eventlog"
	"bookledger/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Deps are the services behind the API.
type Deps struct {
	Catalog     catalog.Service
	Members     membership.Service
	Circulation circulation.Service
	Events      eventlog.Reader
	Auditor     circulation.Auditor
	Retry       circulation.RetryPolicy
	Logger      *slog.Logger

	// Ping checks the backing store. Nil means always healthy.
	Ping func(context.Context) error
}

// NewRouter mounts every endpoint on a fresh chi router.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	auth := membership.Authenticator(d.Members, d.Logger)
	borrower := func(r *http.Request) (uuid.UUID, bool) { return membership.BorrowerFromContext(r.Context()) }

	catalog.NewHandler(d.Catalog, loanLookup{d.Circulation}, borrower).Routes(r, auth)

	members := membership.NewHandler(d.Members)
	members.Routes(r)
	r.With(auth).Get("/members/me", members.HandleMe)

	circulation.NewHandler(d.Circulation, d.Events, borrower, d.Retry, d.Logger).Routes(r, auth)

	r.Get("/health", handleHealth(d.Ping))
	r.Get("/health/consistency", handleConsistency(d.Auditor, d.Logger))
	return r
}

// loanLookup fills a book's checkout_info from its active loan.
type loanLookup struct {
	circulation circulation.Service
}

func (l loanLookup) CurrentCheckout(ctx context.Context, bookID uuid.UUID) (*catalog.CheckoutInfo, error) {
	c, err := l.circulation.CurrentCheckout(ctx, bookID)
	if err != nil || c == nil {
		return nil, err
	}
	return &catalog.CheckoutInfo{
		ID:           c.ID,
		CheckedOutBy: c.CheckedOutBy,
		CheckedOutAt: c.CheckedOutAt,
	}, nil
}

func handleHealth(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				status = map[string]string{"status": "unavailable", "error": err.Error()}
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}

// handleConsistency reports the audit counters. Every counter is zero on a
// consistent store.
func handleConsistency(auditor circulation.Auditor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := auditor.Audit(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "consistency audit", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !report.Consistent() {
			logger.ErrorContext(r.Context(), "consistency audit failed",
				"duplicate_active_books", report.DuplicateActiveBooks,
				"archived_still_active", report.ArchivedStillActive,
				"duplicate_history", report.DuplicateHistory)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
