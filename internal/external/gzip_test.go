package external

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzhttp"
)

// gzipHandler serves body gzip-encoded to clients that accept it.
func gzipHandler(body string) http.Handler {
	wrapper, err := gzhttp.NewWrapper(gzhttp.MinSize(0))
	if err != nil {
		panic(err)
	}
	return wrapper(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			http.Error(w, "gzip expected", http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}
