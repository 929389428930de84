package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// RenderError maps an application error onto the canonical wire shape.
// Authorization failures are presented as not-found so callers cannot probe
// for the existence of rows they do not own.
func RenderError(w http.ResponseWriter, err error) {
	var app *AppError
	if !errors.As(err, &app) {
		JSONError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}
	code := app.Code
	status := app.HTTPStatus
	message := app.Message
	if code == CodeForbidden {
		code = CodeNotFound
		status = http.StatusNotFound
		message = "not found"
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	JSONError(w, status, code, message, app.Details)
}
