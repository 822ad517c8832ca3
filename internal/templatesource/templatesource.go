// Package templatesource holds the composer.TemplateSource backends
// (memory, local, gcs, postgres) and the shared request-to-key derivation
// they all use.
package templatesource

import (
	"net/http"
	"strings"
)

// KeyFromRequest derives the template lookup key from a request's path,
// the same way the teacher's crawler derived a job key from a submitted
// URL: strip the leading and trailing slash so "/pricing" maps to "pricing";
// "/" (an empty key) maps to the default key "index".
func KeyFromRequest(r *http.Request) string {
	key := strings.TrimPrefix(r.URL.Path, "/")
	key = strings.TrimSuffix(key, "/")
	if key == "" {
		key = "index"
	}
	return key
}
