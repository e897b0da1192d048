package server

import (
	"fmt"
	"net/http"
)

// OAuth error codes returned on the wire.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeServerError             = "server_error"
)

// OAuthError represents an OAuth 2.0 error response. Validation failures
// carry a machine-readable code plus the specific human-readable reason
// for the first check that failed.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// ErrInvalidRequest creates an invalid_request error.
func ErrInvalidRequest(description string) *OAuthError {
	return &OAuthError{
		Code:        ErrorCodeInvalidRequest,
		Description: description,
		Status:      http.StatusBadRequest,
	}
}

// ErrInvalidClient creates an invalid_client error.
func ErrInvalidClient(description string) *OAuthError {
	return &OAuthError{
		Code:        ErrorCodeInvalidClient,
		Description: description,
		Status:      http.StatusBadRequest,
	}
}

// ErrUnsupportedResponseType creates an unsupported_response_type error.
func ErrUnsupportedResponseType(description string) *OAuthError {
	return &OAuthError{
		Code:        ErrorCodeUnsupportedResponseType,
		Description: description,
		Status:      http.StatusBadRequest,
	}
}

// ErrUnsupportedGrantType creates an unsupported_grant_type error.
func ErrUnsupportedGrantType(description string) *OAuthError {
	return &OAuthError{
		Code:        ErrorCodeUnsupportedGrantType,
		Description: description,
		Status:      http.StatusBadRequest,
	}
}

// ErrServerError creates a server_error for infrastructure faults. The
// description stays generic so storage internals never leak to callers.
func ErrServerError(description string) *OAuthError {
	return &OAuthError{
		Code:        ErrorCodeServerError,
		Description: description,
		Status:      http.StatusInternalServerError,
	}
}
