package uistatic

import (
	"embed"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:site
var siteFS embed.FS

// Handler serves the landing page at / and the app page under /app/. Unknown
// paths fall back to the nearest index page.
func Handler() http.Handler {
	sub, err := fs.Sub(siteFS, "site")
	if err != nil {
		return http.NotFoundHandler()
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" {
			serveIndex(w, r, sub, "index.html")
			return
		}

		if info, err := fs.Stat(sub, cleanPath); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		if cleanPath == "app" || strings.HasPrefix(cleanPath, "app/") {
			serveIndex(w, r, sub, "app/index.html")
			return
		}
		serveIndex(w, r, sub, "index.html")
	})
}

func serveIndex(w http.ResponseWriter, r *http.Request, filesystem fs.FS, name string) {
	index, err := filesystem.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = index.Close() }()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.Copy(w, index)
}
