package transport

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rhuss/omega/pkg/api"
)

// Recovery returns middleware that catches panics in the handler and
// converts them to server error responses. The server continues to
// accept new requests after a panic is recovered.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					slog.Error("handler panic", "path", r.URL.Path, "panic", v)
					WriteAPIError(w, api.NewServerError(fmt.Sprintf("internal server error: %v", v)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
