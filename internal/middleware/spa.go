// Package middleware holds HTTP handlers shared by the router that are not
// part of the booking API itself.
package middleware

import (
	"io/fs"
	"log"
	"net/http"
	"strings"
)

// reservedPrefixes never fall back to index.html; a miss there is a real 404.
var reservedPrefixes = []string{"/api", "/health", "/metrics"}

// SPAHandler serves the built frontend. Unknown paths get index.html so the
// client-side router can handle them.
type SPAHandler struct {
	fsys      fs.FS
	files     http.Handler
	indexHTML []byte
}

// NewSPAHandler serves fsys. A missing index.html is logged and unknown
// paths then 404.
func NewSPAHandler(fsys fs.FS) *SPAHandler {
	index, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		log.Printf("[http] frontend index.html not found, client routes will 404: %v", err)
	}
	return &SPAHandler{
		fsys:      fsys,
		files:     http.FileServerFS(fsys),
		indexHTML: index,
	}
}

func reserved(path string) bool {
	for _, p := range reservedPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	if reserved(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	if name != "" {
		if stat, err := fs.Stat(h.fsys, name); err == nil && !stat.IsDir() {
			h.files.ServeHTTP(w, r)
			return
		}
	}

	if h.indexHTML == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(h.indexHTML)
}
