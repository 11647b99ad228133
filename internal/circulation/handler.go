// internal/circulation/handler.go
package circulation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"bookledger/internal/eventlog"
)

const defaultEventBatch = 100

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BorrowerFunc extracts the authenticated borrower from a request.
type BorrowerFunc func(r *http.Request) (uuid.UUID, bool)

type Handler struct {
	service  Service
	events   eventlog.Reader
	borrower BorrowerFunc
	retry    RetryPolicy
	logger   *slog.Logger
}

func NewHandler(service Service, events eventlog.Reader, borrower BorrowerFunc, retry RetryPolicy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  service,
		events:   events,
		borrower: borrower,
		retry:    retry,
		logger:   logger.With("component", "circulation.http"),
	}
}

// Routes mounts the circulation endpoints. Commands and the borrower's own
// listing run behind auth.
func (h *Handler) Routes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/books/checkouts", h.HandleListUnreturned)
	r.Get("/books/{bookID}/checkout-history", h.HandleHistory)
	r.Get("/books/{bookID}/events", h.HandleBookEvents)
	r.Get("/events", h.HandleEvents)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/books/{bookID}/checkouts", h.HandleCreateCheckout)
		r.Put("/books/{bookID}/checkouts/{checkoutID}/returned", h.HandleReturn)
		r.Get("/users/me/checkouts", h.HandleListMine)
	})
}

// timestampRequest is the optional body of checkout and return commands.
type timestampRequest struct {
	At *time.Time `json:"at"`
}

func (h *Handler) HandleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	bookID, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}
	borrowerID, ok := h.borrower(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	at, ok := h.decodeTimestamp(w, r)
	if !ok {
		return
	}

	cmd := CreateCheckout{BookID: bookID, BorrowerID: borrowerID, At: at}
	id, err := Retry(r.Context(), h.retryPolicy(r), func(ctx context.Context) (uuid.UUID, error) {
		return h.service.CreateCheckout(ctx, cmd)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]uuid.UUID{"checkout_id": id})
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	bookID, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}
	checkoutID, err := uuid.Parse(chi.URLParam(r, "checkoutID"))
	if err != nil {
		http.Error(w, "invalid checkout ID", http.StatusBadRequest)
		return
	}
	borrowerID, ok := h.borrower(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	at, ok := h.decodeTimestamp(w, r)
	if !ok {
		return
	}

	cmd := UpdateReturned{CheckoutID: checkoutID, BookID: bookID, BorrowerID: borrowerID, At: at}
	err = RetryCommand(r.Context(), h.retryPolicy(r), func(ctx context.Context) error {
		return h.service.UpdateReturned(ctx, cmd)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleListUnreturned(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListUnreturnedAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeItems(w, items)
}

func (h *Handler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	borrowerID, ok := h.borrower(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	items, err := h.service.ListUnreturnedByBorrower(r.Context(), borrowerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeItems(w, items)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	bookID, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}
	items, err := h.service.HistoryForBook(r.Context(), bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeItems(w, items)
}

func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var afterID int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		afterID = n
	}
	limit := defaultEventBatch
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.events.Stream(r.Context(), afterID, limit)
	if err != nil {
		if errors.Is(err, eventlog.ErrInvalidBatchSize) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.writeError(w, r, err)
		return
	}

	next := afterID
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"items": events, "next": next})
}

func (h *Handler) HandleBookEvents(w http.ResponseWriter, r *http.Request) {
	bookID, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}
	events, err := h.events.LoadStream(r.Context(), bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"items": events})
}

func (h *Handler) decodeTimestamp(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	if r.Body == nil {
		return time.Time{}, true
	}
	var req timestampRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// An empty body, chunked or not, carries no timestamp.
		if errors.Is(err, io.EOF) {
			return time.Time{}, true
		}
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return time.Time{}, false
	}
	if req.At == nil {
		return time.Time{}, true
	}
	return *req.At, true
}

// retryPolicy attaches a debug log line to every retry of this request.
func (h *Handler) retryPolicy(r *http.Request) RetryPolicy {
	p := h.retry
	p.OnRetry = func(err error, wait time.Duration) {
		h.logger.DebugContext(r.Context(), "retrying command", "path", r.URL.Path, "wait", wait, "error", err)
	}
	return p
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrRetryableConflict):
		wait := h.retry.withDefaults().MaxInterval
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		http.Error(w, "temporarily unavailable, retry later", http.StatusServiceUnavailable)
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeItems(w http.ResponseWriter, items []Checkout) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]Checkout{"items": items})
}
