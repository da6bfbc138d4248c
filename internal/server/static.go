package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// SPAHandler serves front-end assets from a filesystem and falls back to
// index.html for extensionless paths so client-side routes resolve. Missing
// files with an extension are a plain 404.
type SPAHandler struct {
	fileServer http.Handler
	filesystem fs.FS
}

// NewSPAHandler serves files from fsys, typically os.DirFS of the asset root.
func NewSPAHandler(fsys fs.FS) *SPAHandler {
	return &SPAHandler{
		fileServer: http.FileServer(http.FS(fsys)),
		filesystem: fsys,
	}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if urlPath == "/" {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	name := strings.TrimPrefix(path.Clean(urlPath), "/")
	if _, err := fs.Stat(h.filesystem, name); err == nil {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	// r.URL.Path is already decoded, so %2Ecss counts as an extension here.
	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	if _, err := fs.Stat(h.filesystem, "index.html"); err != nil {
		http.NotFound(w, r)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	r2.URL.RawPath = ""
	h.fileServer.ServeHTTP(w, r2)
}
