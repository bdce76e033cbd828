package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rendis/houndflow/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError writes err with the HTTP status matching its code.
func writeEngineError(w http.ResponseWriter, err error) {
	var ee *schema.EngineError
	if !errors.As(err, &ee) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusFor(ee.Code), map[string]any{"error": ee})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeInvalidParams:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	case schema.ErrCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
