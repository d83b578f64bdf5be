package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"plyr/pkg/models"

	"github.com/sirupsen/logrus"
)

// maxDeviceIDLength bounds client-chosen device ids.
const maxDeviceIDLength = 128

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondWithValidationError sends a structured validation error response
func (qs *QueueServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, statusCode int, errors []ValidationError) {
	qs.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	result := ValidationResult{
		Valid:  false,
		Errors: errors,
	}

	qs.respondJSON(w, statusCode, result)
}

// respondWithError sends a structured error response
func (qs *QueueServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := qs.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	response := map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	}

	qs.respondJSON(w, statusCode, response)
}

// respondJSON writes v as a JSON body with the given status
func (qs *QueueServer) respondJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		qs.logger.WithError(err).Error("Failed to encode response")
	}
}

// queueValidationError converts a model validation failure to the API shape
func queueValidationError(err *models.ValidationError) ValidationError {
	return ValidationError{
		Field:   err.Field,
		Message: err.Message,
		Code:    "INVALID_" + strings.ToUpper(strings.NewReplacer("[", "_", "]", "", ".", "_").Replace(err.Field)),
	}
}

// validateExpectedVersion resolves the expected version of a write from the
// body, falling back to an If-Match header ("3" or "\"3\"").
func validateExpectedVersion(body *int64, ifMatch string) (int64, *ValidationError) {
	if body != nil {
		if *body < 0 {
			return 0, &ValidationError{
				Field:   "expected_version",
				Message: "Expected version cannot be negative",
				Code:    "INVALID_EXPECTED_VERSION_VALUE",
			}
		}
		return *body, nil
	}

	tag := strings.TrimSpace(ifMatch)
	if tag == "" {
		return 0, &ValidationError{
			Field:   "expected_version",
			Message: "Expected version is required (body or If-Match header)",
			Code:    "MISSING_EXPECTED_VERSION",
		}
	}

	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)
	version, err := strconv.ParseInt(tag, 10, 64)
	if err != nil || version < 0 {
		return 0, &ValidationError{
			Field:   "expected_version",
			Message: "If-Match must carry a non-negative version",
			Code:    "INVALID_EXPECTED_VERSION_FORMAT",
		}
	}
	return version, nil
}

// validateDeviceID checks a client-supplied device id (empty is allowed)
func validateDeviceID(id string) *ValidationError {
	if len(id) > maxDeviceIDLength {
		return &ValidationError{
			Field:   "device_id",
			Message: "Device ID too long (max 128 characters)",
			Code:    "DEVICE_ID_TOO_LONG",
		}
	}

	if strings.ContainsAny(id, "\x00\r\n") {
		return &ValidationError{
			Field:   "device_id",
			Message: "Device ID contains invalid characters",
			Code:    "INVALID_DEVICE_ID_CHARACTERS",
		}
	}

	return nil
}

// sanitizeInput sanitizes user input to prevent injection attacks
func sanitizeInput(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Trim whitespace
	input = strings.TrimSpace(input)

	return input
}

// etag formats a record version as a strong entity tag
func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// etagMatches reports whether an If-None-Match header names version
func etagMatches(header string, version int64) bool {
	want := etag(version)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == want || candidate == "*" {
			return true
		}
	}
	return false
}
