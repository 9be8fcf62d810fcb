package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/store"
)

// errorResponse is the envelope every failed request returns
type errorResponse struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err to its status. Internal failures are logged and their
// message is not exposed.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Status: http.StatusNotFound})
		return
	}

	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	resp := errorResponse{Status: status}

	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	if e, ok := apperr.As(err); ok {
		resp.Error = e.Message
		// Upstream provider bodies help the caller; storage errors do not
		if status != http.StatusInternalServerError {
			resp.Details = e.Details
		}
	}
	if resp.Error == "" {
		resp.Error = http.StatusText(status)
	}

	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}
