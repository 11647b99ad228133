// internal/catalog/handler.go
package catalog

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const defaultPageSize = 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OwnerFunc extracts the authenticated member from a request.
type OwnerFunc func(r *http.Request) (uuid.UUID, bool)

type Handler struct {
	service  Service
	loans    LoanLookup
	owner    OwnerFunc
	validate *validator.Validate
}

// NewHandler serves the catalog. loans may be nil, in which case books are
// listed without checkout_info.
func NewHandler(service Service, loans LoanLookup, owner OwnerFunc) *Handler {
	return &Handler{service: service, loans: loans, owner: owner, validate: validator.New()}
}

// Routes mounts the catalog endpoints on r. Writes run behind auth and act
// on the caller's own books.
func (h *Handler) Routes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/books", h.HandleListBooks)
	r.Get("/books/{bookID}", h.HandleGetBook)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/books", h.HandleAddBook)
		r.Put("/books/{bookID}", h.HandleUpdateBook)
		r.Delete("/books/{bookID}", h.HandleDeleteBook)
	})
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	var req NewBook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.OwnerID = owner

	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(book)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.attachLoans(r.Context(), book); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(book)
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	opts := ListOptions{Limit: defaultPageSize}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		opts.Offset = n
	}

	list, err := h.service.ListBooks(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.attachLoans(r.Context(), list.Items...); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (h *Handler) HandleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}
	owner, ok := h.owner(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	var req BookUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ID, req.OwnerID = id, owner

	book, err := h.service.UpdateBook(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.attachLoans(r.Context(), book); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(book)
}

func (h *Handler) HandleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}
	owner, ok := h.owner(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if err := h.service.DeleteBook(r.Context(), id, owner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) attachLoans(ctx context.Context, books ...*Book) error {
	if h.loans == nil {
		return nil
	}
	for _, b := range books {
		info, err := h.loans.CurrentCheckout(ctx, b.ID)
		if err != nil {
			return err
		}
		b.CheckoutInfo = info
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidBook), errors.Is(err, ErrInvalidPaging):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrBookOnLoan):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrConcurrentChange):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
