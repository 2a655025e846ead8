package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const maxBodySize = 1 << 20

// Error types reported in the "type" field of error responses.
const (
	errInvalidRequest = "invalid_request_error"
	errAuthentication = "authentication_error"
	errNotFound       = "not_found"
	errInternal       = "api_error"
)

type errorDetail struct {
	Message string            `json:"message"`
	Type    string            `json:"type"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, errorResponse{Error: errorDetail{Message: fmt.Sprintf(format, args...), Type: errType}})
}

// fieldError reports a rejected form with a reason per offending field.
func fieldError(w http.ResponseWriter, code int, msg string, fields map[string]string) {
	writeJSON(w, code, errorResponse{Error: errorDetail{Message: msg, Type: errInvalidRequest, Fields: fields}})
}

// decodeBody decodes a size-limited JSON body into v and answers 400 itself
// when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

// queryInt reads a non-negative integer query parameter, falling back to def
// when it is absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
