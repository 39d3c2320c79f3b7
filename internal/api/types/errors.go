package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	appErr "github.com/dockhand/engine/pkg/errors"
)

// FromAppError converts err into the API error envelope. Metadata on an
// AppError is flattened into Details.
func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	var e *appErr.AppError
	if !errors.As(err, &e) {
		return &APIError{Code: string(appErr.CodeUnknown), Message: err.Error()}
	}
	out := &APIError{Code: string(e.Code), Message: e.Message}
	if len(e.Meta) > 0 {
		keys := make([]string, 0, len(e.Meta))
		for k := range e.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Meta[k]))
		}
		out.Details = strings.Join(parts, " ")
	}
	return out
}
