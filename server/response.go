package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// writeError writes a JSON error response carrying the machine-readable
// error class alongside the message.
func writeError(w http.ResponseWriter, status int, class, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":       message,
		"error_class": class,
	})
}

// writeEngineError maps an engine error to an HTTP status via its class.
func writeEngineError(w http.ResponseWriter, err error) {
	class := errors.Class(err)
	status := http.StatusInternalServerError
	switch class {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "illegal_transition", "stale_approval":
		status = http.StatusConflict
	case "timeout":
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, class, err.Error())
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// requireMethod checks if the request method matches the expected method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "validation", "Method not allowed")
		return false
	}
	return true
}

// requireTenant extracts the X-Tenant-ID header every data handler needs.
func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.Header.Get("X-Tenant-ID")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "validation", "X-Tenant-ID header is required")
		return "", false
	}
	return tenant, true
}

// extractPathParts extracts path segments after removing a prefix
func extractPathParts(urlPath, prefix string) []string {
	return strings.Split(strings.TrimPrefix(urlPath, prefix), "/")
}
