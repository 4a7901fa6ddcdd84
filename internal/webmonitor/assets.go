package webmonitor

import (
	"net/http"
	"os"
	"path/filepath"
)

// fileHandler serves flat files (reports, recordings) from dir by base name.
type fileHandler struct {
	dir string
}

func newFileHandler(dir string) *fileHandler {
	return &fileHandler{dir: dir}
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	if filename == "." || filename == "/" {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(h.dir, filename)
	if !fileExists(path) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	http.ServeFile(w, r, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
