package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/api/types"
	"github.com/dockhand/engine/internal/services"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
	"github.com/dockhand/engine/pkg/utils"
)

// MaxHookBody is the largest webhook body accepted.
const MaxHookBody = 1 << 20

const signatureHeader = "X-Hub-Signature-256"

type HooksHandler struct {
	runs     services.RunService
	secret   []byte
	validate interface{ Struct(any) error }
}

func NewHooksHandler(runs services.RunService, secret []byte, v interface{ Struct(any) error }) *HooksHandler {
	return &HooksHandler{runs: runs, secret: secret, validate: v}
}

// Push accepts a signed push event for the target in the path and admits a run.
func (h *HooksHandler) Push(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxHookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorStr(w, http.StatusRequestEntityTooLarge, appErr.CodeInvalid, "payload exceeds 1 MiB")
			return
		}
		writeErrorStr(w, http.StatusBadRequest, appErr.CodeInvalid, "read body failed")
		return
	}

	if !utils.VerifyHMACSHA256(h.secret, body, r.Header.Get(signatureHeader)) {
		logger.L().Warn("webhook signature rejected", zap.String("target", target), zap.String("remote", r.RemoteAddr))
		writeErrorStr(w, http.StatusUnauthorized, appErr.CodeUnauthorized, "invalid signature")
		return
	}

	if r.Header.Get("X-GitHub-Event") == "ping" {
		writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "pong"}})
		return
	}

	var ev types.PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeErrorStr(w, http.StatusBadRequest, appErr.CodeInvalid, "invalid json")
		return
	}
	if err := h.validate.Struct(ev); err != nil {
		writeErrorStr(w, http.StatusBadRequest, appErr.CodeInvalid, err.Error())
		return
	}
	if ev.Deleted {
		writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ignored"}})
		return
	}

	res, err := h.runs.Trigger(r.Context(), &services.TriggerInput{
		Target:     target,
		Ref:        ev.SourceRef(),
		Repository: ev.RepositoryName(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: types.TriggerResponse{
		RunID:     res.Run.ID.String(),
		Target:    res.Run.Target,
		State:     string(res.Run.State),
		Coalesced: res.Coalesced,
	}})
}
