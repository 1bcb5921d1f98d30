package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-gateway/internal/auth"
	"github.com/a-essam23/go-gateway/pkg/errs"
)

// NewAuthMiddleware resolves the Authorization header into an identity. With
// required unset, requests without the header pass through anonymously; a
// header that fails validation is always rejected.
func NewAuthMiddleware(logger *slog.Logger, validator *auth.Validator, required bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			token := r.Header.Get("Authorization")
			if token == "" {
				if required {
					logger.Debug("Authorization header missing", slog.String("ip", reqMeta.IP))
					WriteError(w, http.StatusUnauthorized, "401: Unauthorized")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			ident, err := validator.Validate(r.Context(), token)
			switch {
			case errors.Is(err, errs.ErrInvalidToken):
				logger.Warn("Invalid token presented", slog.String("ip", reqMeta.IP))
				WriteError(w, http.StatusUnauthorized, "401: Unauthorized")
				return
			case err != nil:
				logger.Error("Token validation failed", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				WriteError(w, http.StatusServiceUnavailable, "Storage unavailable")
				return
			}
			reqMeta.Identity = ident
			next.ServeHTTP(w, r)
		})
	}
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteError writes the JSON error body REST clients expect.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, apiError{Message: message, Code: 0})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
