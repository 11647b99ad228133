// internal/membership/handler.go
package membership

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	service  Service
	validate *validator.Validate
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service, validate: validator.New()}
}

// Routes mounts the public membership endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/members", h.HandleRegisterMember)
}

// HandleMe returns the authenticated member. It must run behind Authenticator.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := BorrowerFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(member)
}

func (h *Handler) HandleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req Registration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(member)
}
