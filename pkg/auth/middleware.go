package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/observability"
)

// WriteScope is required for requests that change scripts.
const WriteScope = "scripts:write"

// Middleware creates HTTP middleware from an AuthChain. It checks the
// bypass list, runs authentication, requires WriteScope for non-GET
// requests and injects the identity into the request context.
func Middleware(chain *AuthChain, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)

			if result.Decision != Yes || result.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				observability.AuthRejectedTotal.Inc()
				writeError(w, http.StatusUnauthorized, &api.APIError{
					Type:    api.ErrorTypeInvalidRequest,
					Code:    "unauthenticated",
					Message: ErrUnauthenticated.Error(),
				})
				return
			}

			if result.Identity.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				writeError(w, http.StatusInternalServerError, api.NewServerError("internal authentication error"))
				return
			}

			if r.Method != http.MethodGet && !result.Identity.HasScope(WriteScope) {
				slog.Warn("missing scope", "subject", result.Identity.Subject, "scope", WriteScope, "path", r.URL.Path)
				observability.AuthRejectedTotal.Inc()
				writeError(w, http.StatusForbidden, &api.APIError{
					Type:    api.ErrorTypeInvalidRequest,
					Code:    "forbidden",
					Message: ErrForbidden.Error(),
				})
				return
			}

			slog.Debug("authentication succeeded",
				"subject", result.Identity.Subject,
				"path", r.URL.Path,
			)

			next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), result.Identity)))
		})
	}
}

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/metrics"}

func writeError(w http.ResponseWriter, status int, apiErr *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}
