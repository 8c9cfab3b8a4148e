package presigned

import (
	"log/slog"
	"net/http"
)

// Middleware lets through only requests whose URL carries a valid
// signature for their method and path. Without a signing secret every
// request is answered 404.
func Middleware(signer *Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !signer.IsEnabled() {
				http.Error(w, "presigned URLs are not enabled", http.StatusNotFound)
				return
			}
			err := signer.ValidateRequest(r)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !IsAuthError(err) {
				slog.Warn("presigned: unexpected validation error", "path", r.URL.Path, "error", err)
			}
			http.Error(w, err.Error(), StatusCode(err))
		})
	}
}
