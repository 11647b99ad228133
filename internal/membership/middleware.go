package membership

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

type contextKey struct{}

// WithBorrower returns a context carrying the authenticated borrower id.
func WithBorrower(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// BorrowerFromContext returns the borrower id set by Authenticator.
func BorrowerFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Authenticator resolves HTTP Basic credentials to a member and stores the
// member id in the request context. Unauthenticated requests get 401.
func Authenticator(svc Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="bookledger"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			member, err := svc.Authenticate(r.Context(), email, password)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(WithBorrower(r.Context(), member.ID)))
			case errors.Is(err, ErrRateLimited):
				w.Header().Set("Retry-After", "60")
				http.Error(w, err.Error(), http.StatusTooManyRequests)
			case errors.Is(err, ErrInvalidCredentials):
				w.Header().Set("WWW-Authenticate", `Basic realm="bookledger"`)
				http.Error(w, err.Error(), http.StatusUnauthorized)
			default:
				logger.ErrorContext(r.Context(), "authenticate", "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		})
	}
}
