// Package middleware provides HTTP middleware for the experiment API.
package middleware

import "net/http"

// CORS returns middleware that handles CORS headers for the study frontend.
// Credentials are only allowed for explicitly listed origins, never for
// wildcard matches.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			for _, o := range allowedOrigins {
				if o != "*" && o != origin {
					continue
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				if o == origin {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				break
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
