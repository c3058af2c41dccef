package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// spaHandler serves files from dir and falls back to index.html for unknown
// paths so client-side routes resolve.
type spaHandler struct {
	dir   string
	files http.Handler
}

func newSPAHandler(dir string) (*spaHandler, bool) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, false
	}
	return &spaHandler{dir: dir, files: http.FileServer(http.Dir(dir))}, true
}

func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	name := filepath.Join(h.dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		h.files.ServeHTTP(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(h.dir, "index.html"))
}
