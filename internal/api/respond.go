package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/registry"
	logx "toosimpleq/pkg/logx"
)

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

// respondErr maps err to a status. 5xx details stay in the log.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("api request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.Err(err),
		)
		h.respondError(w, r, status, http.StatusText(status))
		return
	}
	h.respondError(w, r, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case registry.IsUnknownTask(err), registry.IsSerialization(err):
		return http.StatusUnprocessableEntity
	case storage.IsContention(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
