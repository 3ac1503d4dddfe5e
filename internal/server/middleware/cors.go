package middleware

import (
	"net/http"
	"strings"
)

// CORS lets browser dashboards on the listed origins read the operator API.
// An empty list or a "*" entry admits any origin. The API is read-only, so
// only GET is advertised, and a preflight from an origin outside the list is
// refused with 403.
func CORS(origins []string) func(http.Handler) http.Handler {
	anyOrigin := len(origins) == 0
	known := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			anyOrigin = true
			continue
		}
		known[strings.ToLower(o)] = struct{}{}
	}
	permits := func(origin string) bool {
		if anyOrigin {
			return true
		}
		_, ok := known[strings.ToLower(origin)]
		return ok
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			ok := origin != "" && permits(origin)
			if origin != "" {
				w.Header().Add("Vary", "Origin")
			}
			if ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, X-API-Key, Content-Type")
				h.Set("Access-Control-Max-Age", "600")
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if origin != "" && !ok {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
