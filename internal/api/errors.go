package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"codeintel/internal/errors"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// WriteError writes an error reply, mapping the error's code to an HTTP
// status. Untyped errors are reported as internal errors.
func WriteError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{
		Error: err.Error(),
		Code:  string(errors.InternalError),
	}

	var typed *errors.Error
	if stderrors.As(err, &typed) {
		resp.Code = string(typed.Code)
		resp.Details = typed.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(typed))
	_ = json.NewEncoder(w).Encode(resp)
}

func statusFor(err *errors.Error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	switch err.Code {
	case errors.DumpNotFound:
		return http.StatusNotFound
	case errors.MalformedCursor, errors.UnknownJobStatus:
		return http.StatusBadRequest
	case errors.XrepoUnavailable, errors.StorageFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a success reply.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// badRequest writes a 400 with a plain message.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: message,
		Code:  "BAD_REQUEST",
	})
}
