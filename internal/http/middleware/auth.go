package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"wafilter/internal/http/dto"
	pkglogger "wafilter/pkg/logger"
)

// BasicAuthMiddleware guards the admin surface with HTTP Basic Authentication.
// With no credentials configured the middleware is a pass-through.
func BasicAuthMiddleware(username, password string, log pkglogger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if username == "" || password == "" {
				next.ServeHTTP(w, r)
				return
			}

			reqUsername, reqPassword, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(reqUsername), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(reqPassword), []byte(password)) != 1 {
				log.WarnWithFields("admin authentication rejected", pkglogger.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"remote_addr": r.RemoteAddr,
				})

				w.Header().Set("WWW-Authenticate", `Basic realm="wafilter admin"`)
				dto.WriteJSON(w, http.StatusUnauthorized,
					dto.NewErrorResponse("authentication required", "UNAUTHORIZED", ""))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPAllowListMiddleware rejects requests from addresses outside the
// configured allow-list. Entries are plain addresses or CIDR-style prefixes.
// An empty list allows everything.
func IPAllowListMiddleware(allowed []string, log pkglogger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			remote := remoteIP(r)
			if !ipAllowed(remote, allowed) {
				log.WarnWithFields("request rejected by IP allow-list", pkglogger.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"remote_addr": remote,
				})
				dto.WriteJSON(w, http.StatusForbidden,
					dto.NewErrorResponse("forbidden", "FORBIDDEN", "address not in allow-list"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP extracts the client address, honoring the forwarded header when a
// proxy sits in front
func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipAllowed matches an address against the allow-list: exact match, CIDR
// containment, or prefix match for entries ending in a dot
func ipAllowed(addr string, allowed []string) bool {
	ip := net.ParseIP(addr)

	for _, entry := range allowed {
		if entry == addr {
			return true
		}
		if strings.Contains(entry, "/") && ip != nil {
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if strings.HasSuffix(entry, ".") && strings.HasPrefix(addr, entry) {
			return true
		}
	}
	return false
}
