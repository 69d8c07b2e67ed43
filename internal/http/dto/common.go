package dto

import (
	"encoding/json"
	"net/http"
	"time"

	"wafilter/pkg/errors"
)

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse represents a generic error response
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details string      `json:"details,omitempty"`
	Context interface{} `json:"context,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Services  map[string]interface{} `json:"services"`
}

// NewSuccessResponse creates a new success response
func NewSuccessResponse(message string, data interface{}) *SuccessResponse {
	return &SuccessResponse{
		Success: true,
		Message: message,
		Data:    data,
	}
}

// NewErrorResponse creates a new error response
func NewErrorResponse(errMsg, code, details string) *ErrorResponse {
	return &ErrorResponse{
		Success: false,
		Error:   errMsg,
		Code:    code,
		Details: details,
	}
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError converts an error into an HTTP error response. AppErrors carry
// their own status; anything else is a 500.
func WriteError(w http.ResponseWriter, err error) {
	if appErr, ok := err.(*errors.AppError); ok {
		WriteJSON(w, appErr.GetHTTPStatus(), &ErrorResponse{
			Success: false,
			Error:   appErr.Message,
			Code:    appErr.Code,
			Details: appErr.Details,
			Context: appErr.Context,
		})
		return
	}

	WriteJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error(), "INTERNAL_ERROR", ""))
}
