package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dockhand/engine/internal/api/types"
	"github.com/dockhand/engine/internal/services"
)

type TargetsHandler struct{ svc services.TargetService }

func NewTargetsHandler(svc services.TargetService) *TargetsHandler { return &TargetsHandler{svc: svc} }

func (h *TargetsHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListTargets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items, Meta: &types.Meta{Total: int64(len(items))}})
}

func (h *TargetsHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTarget(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: t})
}

func (h *TargetsHandler) ClearIntervention(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.ClearIntervention(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: t})
}
