// Package auth provides HTTP middleware for bearer token authentication.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

const bearerPrefix = "Bearer "

// NewAuthMiddleware returns middleware requiring
//
//	Authorization: Bearer <token>
//
// The prefix is case-sensitive with exactly one space. An empty token
// disables authentication. Rejected requests get 401 and never reach next.
func NewAuthMiddleware(token string, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(r.Header.Get("Authorization"), token) {
				log.WithFields(logrus.Fields{
					"remote": r.RemoteAddr,
					"path":   r.URL.Path,
				}).Warn("rejected unauthenticated request")
				w.Header().Set("WWW-Authenticate", `Bearer realm="virt-mcp"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorized(header, token string) bool {
	provided, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1
}
