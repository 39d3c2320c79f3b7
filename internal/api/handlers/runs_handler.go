package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dockhand/engine/internal/api/types"
	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/repository"
	"github.com/dockhand/engine/internal/services"
	appErr "github.com/dockhand/engine/pkg/errors"
)

type RunsHandler struct{ svc services.RunService }

func NewRunsHandler(svc services.RunService) *RunsHandler { return &RunsHandler{svc: svc} }

func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	items, err := h.svc.ListRuns(r.Context(), repository.RunFilter{
		Target: q.Get("target"),
		State:  models.RunState(q.Get("state")),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items, Meta: &types.Meta{Limit: limit, Total: int64(len(items))}})
}

func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := h.svc.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: run})
}

func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := h.svc.CancelRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: run})
}

func runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, appErr.CodeInvalid, "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}
