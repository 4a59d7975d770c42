package common

import (
	_ "embed"
	"net/http"
	"strings"
)

//go:embed VERSION
var version string

// Version returns the embedded build version.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent identifies this program in headers and log records.
func UserAgent() string {
	return "evccwatch/" + Version()
}

// ServerHeader sets the Server response header to the UserAgent on every
// response served by next.
func ServerHeader(next http.Handler) http.Handler {
	ua := UserAgent()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", ua)
		next.ServeHTTP(w, r)
	})
}
