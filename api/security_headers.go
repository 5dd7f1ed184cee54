package api

import (
	"net/http"
	"strings"
)

// SecurityHeaders is middleware that sets standard security response headers
// on every response. It should be placed early in the middleware chain.
//
// frameHosts are origins the login page may embed, such as the Duo API host
// that serves the second factor prompt.
func SecurityHeaders(frameHosts ...string) func(http.Handler) http.Handler {
	frameSrc := "'none'"
	if len(frameHosts) > 0 {
		srcs := make([]string, 0, len(frameHosts))
		for _, h := range frameHosts {
			if h == "" {
				continue
			}
			if !strings.Contains(h, "://") {
				h = "https://" + h
			}
			srcs = append(srcs, h)
		}
		if len(srcs) > 0 {
			frameSrc = strings.Join(srcs, " ")
		}
	}
	csp := "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'; frame-src " + frameSrc

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			w.Header().Set("Content-Security-Policy", csp)

			if requestIsSecure(r) {
				w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
