package masterauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ErrorKind classifies domain failures so the outer layer can map them to a status.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindBadRequest   ErrorKind = "bad_request"
	KindConflict     ErrorKind = "conflict"
	KindNotFound     ErrorKind = "not_found"
)

// AuthError is the typed error every domain operation returns.
type AuthError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewAuthError(kind ErrorKind, status int, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message, StatusCode: status}
}

func Unauthorized(message string) *AuthError {
	return NewAuthError(KindUnauthorized, http.StatusUnauthorized, message)
}

func Forbidden(message string) *AuthError {
	return NewAuthError(KindForbidden, http.StatusForbidden, message)
}

func BadRequest(message string) *AuthError {
	return NewAuthError(KindBadRequest, http.StatusBadRequest, message)
}

// Conflict is a duplicate-resource failure (409).
func Conflict(message string) *AuthError {
	return NewAuthError(KindConflict, http.StatusConflict, message)
}

// StateConflict is a redundant state change, e.g. enabling 2FA twice.
// It is a conflict but is reported with a 400.
func StateConflict(message string) *AuthError {
	return NewAuthError(KindConflict, http.StatusBadRequest, message)
}

func NotFound(message string) *AuthError {
	return NewAuthError(KindNotFound, http.StatusNotFound, message)
}

// IsKind reports whether err (or anything it wraps) is an AuthError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}

// ErrorBody is the uniform JSON error envelope.
type ErrorBody struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// WriteError maps err onto the JSON error envelope. Errors that are not
// AuthErrors are logged and reported as a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	body := ErrorBody{Status: "error", StatusCode: http.StatusInternalServerError, Message: "Internal server error"}
	var ae *AuthError
	if errors.As(err, &ae) {
		body.StatusCode = ae.StatusCode
		body.Message = ae.Message
	} else {
		slog.Error("unhandled error", "error", err)
	}
	writeJSON(w, body.StatusCode, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
