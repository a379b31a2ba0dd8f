package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// HTTPError is the body of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON envelope for every API error.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidInput, CodeConfig:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeInvalidState:
		return http.StatusConflict
	case CodeExternalService:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// RespondWithError writes err as an envelope. Internal errors do not leak
// their cause to clients.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code := Classify(err)
	msg := err.Error()
	var details map[string]any
	var appErr *Error
	if As(err, &appErr) {
		msg = appErr.Message
		details = appErr.Details
	}
	if code == CodeInternal {
		msg = "internal error"
	}
	WriteJSON(w, r, HTTPStatus(code), code, msg, details)
}

// WriteJSON writes an envelope with an explicit status.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{Error: HTTPError{Code: code, Message: message, Details: details}}
	if r != nil {
		body.Error.RequestID = middleware.GetReqID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
