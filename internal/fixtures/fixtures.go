// Package fixtures serves static JSON responses from a directory tree, one
// file per resource path, standing in for an HTTP API during development.
package fixtures

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
)

// Handler serves GET <path>.json requests from a filesystem.
type Handler struct {
	fsys   fs.FS
	logger *slog.Logger
}

// NewHandler serves fixtures from fsys, typically os.DirFS of the fixture root.
// A request for /api/items.json reads api/items.json.
func NewHandler(fsys fs.FS, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{fsys: fsys, logger: logger}
}

type errorBody struct {
	Error string `json:"error"`
	Path  string `json:"path"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", r.URL.Path)
		return
	}

	name, ok := fixtureName(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "fixture not found", r.URL.Path)
		return
	}

	data, err := fs.ReadFile(h.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			h.logger.Debug("fixture missing", "path", r.URL.Path, "file", name)
			writeError(w, http.StatusNotFound, "fixture not found", r.URL.Path)
			return
		}
		h.logger.Error("fixture read failed", "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, "fixture unreadable", r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

// fixtureName maps a URL path to a file name inside the fixture root. Only
// .json paths are served and the name must stay inside the root.
func fixtureName(urlPath string) (string, bool) {
	if path.Ext(urlPath) != ".json" {
		return "", false
	}
	cleaned := path.Clean("/" + urlPath)
	name := strings.TrimPrefix(cleaned, "/")
	if name == "" || !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}

func writeError(w http.ResponseWriter, code int, msg, p string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Path: p})
}
