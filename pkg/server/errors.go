package server

import (
	"encoding/json"
	"net/http"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/apierror"
)

// writeError renders an error in the Anthropic unary error shape with the
// status its kind maps to.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := apierror.AsError(err)
	s.log.Error("request failed",
		"kind", string(e.Kind),
		"status", e.HTTPStatus(),
		"provider", e.Provider,
		"model", e.Model,
		"error", e,
	)
	writeJSON(w, e.HTTPStatus(), anthropic.NewErrorResponse(e.WireType(), e.Message, e.HTTPStatus()))
}

// writeErrorStatus renders a plain error for the given HTTP status.
func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, message string) {
	errType := "api_error"
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		errType = "authentication_error"
	case http.StatusBadRequest:
		errType = "invalid_request_error"
	case http.StatusNotImplemented:
		errType = "not_implemented_error"
	}
	writeJSON(w, status, anthropic.NewErrorResponse(errType, message, status))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
