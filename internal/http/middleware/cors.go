package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig describes which browser origins may call the admin API.
type CORSConfig struct {
	// Origins is the allowlist; "*" echoes any Origin back.
	Origins []string
	// Methods defaults to the admin API's GET and POST.
	Methods []string
	// Headers defaults to Authorization, Content-Type and X-Request-ID.
	Headers []string
	// MaxAge is the preflight cache lifetime in seconds; default 600.
	MaxAge int
}

var (
	adminCORSMethods = []string{http.MethodGet, http.MethodPost}
	adminCORSHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
)

// CORS lets the operator console call the admin API from an allowlisted origin.
// Preflights from other origins are refused with 403.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAny := false
	allow := map[string]struct{}{}
	for _, origin := range cfg.Origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			allowAny = true
		default:
			allow[origin] = struct{}{}
		}
	}
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = adminCORSMethods
	}
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = adminCORSHeaders
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 600
	}
	allowedMethods := strings.Join(append(append([]string{}, methods...), http.MethodOptions), ", ")
	allowedHeaders := strings.Join(headers, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && origin != "" &&
				r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			if !allowAny {
				if _, ok := allow[origin]; !ok {
					if preflight {
						w.WriteHeader(http.StatusForbidden)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(maxAge))

			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
