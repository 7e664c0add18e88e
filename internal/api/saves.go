package api

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/reedfamily/gamewarden/internal/backup"
)

type SaveHandler struct {
	archives *backup.Service
}

func NewSaveHandler(archives *backup.Service) *SaveHandler {
	return &SaveHandler{archives: archives}
}

// List returns archived saves, optionally for one map (?map=).
func (h *SaveHandler) List(w http.ResponseWriter, r *http.Request) {
	archives, err := h.archives.List(r.URL.Query().Get("map"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list saves")
		return
	}
	writeJSON(w, http.StatusOK, archives)
}

// Download sends an archived save to the client.
func (h *SaveHandler) Download(w http.ResponseWriter, r *http.Request) {
	path, err := h.archives.FilePath(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "save not found")
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	w.Header().Set("Content-Type", "application/gzip")
	http.ServeFile(w, r, path)
}

func (h *SaveHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.archives.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "save not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "save deleted"})
}
