package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "ok", nil)
}

func (h *Handler) GetDBInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.db.Info(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "database info", info)
}

func (h *Handler) GetTableColumns(w http.ResponseWriter, r *http.Request) {
	cols, err := h.db.Columns(r.Context(), chi.URLParam(r, "table"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.successResponse(w, r, http.StatusOK, "table columns", cols)
}

func (h *Handler) GetQueryStats(w http.ResponseWriter, r *http.Request) {
	h.successResponse(w, r, http.StatusOK, "query stats", h.stats.Snapshot())
}
