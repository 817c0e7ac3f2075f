package handlers

import (
	"encoding/json"
	"net/http"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/logging"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger.Errorf("Event ID: RESPONSE_ENCODE_FAILED, Description: %v", err)
	}
}

// writeError maps err onto its status code. Internal causes are logged and
// never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.Internal {
		logging.Logger.Errorf("Event ID: REQUEST_INTERNAL_ERROR, Description: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, kind.HTTPStatus(), errorResponse{
		Error:   kind.String(),
		Message: apperrors.PublicMessage(err),
	})
}
