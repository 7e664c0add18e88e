package api

import (
	"net/http"
	"strconv"

	"github.com/reedfamily/gamewarden/internal/history"
)

type OperationHandler struct {
	history *history.Store
}

func NewOperationHandler(store *history.Store) *OperationHandler {
	return &OperationHandler{history: store}
}

// List returns recent lifecycle operations, newest first.
func (h *OperationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	ops, err := h.history.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	writeJSON(w, http.StatusOK, ops)
}
