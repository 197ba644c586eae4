package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Response is the unified envelope.
type Response struct {
	Result        string `json:"result"`
	Data          any    `json:"data,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// SuccessResponse wraps data in an ok envelope.
func SuccessResponse(data any) *Response {
	return &Response{
		Result:        "ok",
		Data:          data,
		CorrelationID: uuid.NewString(),
	}
}

// ErrorResponse builds an error envelope.
func ErrorResponse(code, message string, details any) *Response {
	return &Response{
		Result:        "error",
		Code:          code,
		Message:       message,
		Details:       details,
		CorrelationID: uuid.NewString(),
	}
}

// WriteSuccess writes a 200 ok envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	writeResponse(w, http.StatusOK, SuccessResponse(data))
}

// WriteAccepted writes a 202 ok envelope.
func WriteAccepted(w http.ResponseWriter, data any) {
	writeResponse(w, http.StatusAccepted, SuccessResponse(data))
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details any) {
	writeResponse(w, statusCode, ErrorResponse(code, message, details))
}

// WriteAPIError maps err with ToAPIError and writes the result.
func WriteAPIError(w http.ResponseWriter, err error) {
	status, body := ToAPIError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeResponse(w http.ResponseWriter, statusCode int, response *Response) {
	body, err := json.Marshal(response)
	if err != nil {
		statusCode = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse("INTERNAL", "Failed to encode response", nil))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}
