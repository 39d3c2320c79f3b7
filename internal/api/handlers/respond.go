package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dockhand/engine/internal/api/middleware"
	"github.com/dockhand/engine/internal/api/types"
	appErr "github.com/dockhand/engine/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status mapped from the error's code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErr.HTTPStatus(appErr.CodeOf(err))
	writeJSON(w, status, types.APIResponse{
		Success: false,
		Error:   types.FromAppError(err),
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context())},
	})
}

func writeErrorStr(w http.ResponseWriter, status int, code appErr.Code, msg string) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: &types.APIError{Code: string(code), Message: msg}})
}
