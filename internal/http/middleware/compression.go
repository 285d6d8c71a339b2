package middleware

import (
	"net/http"
	"strings"
)

// mediaSuffixes are the raw routes that carry media bodies.
var mediaSuffixes = []string{"/download", "/source", "/artifact"}

// SkipCompressionForMedia wraps a compression middleware so that media
// downloads and uploads bypass it. The payloads are already compressed video
// and a growing download must be flushed as it is written.
func SkipCompressionForMedia(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, suffix := range mediaSuffixes {
				if strings.HasSuffix(r.URL.Path, suffix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}
