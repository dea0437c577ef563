package tuyaapi

import (
	"fmt"

	"github.com/pkg/errors"
)

// AuthError is returned when the cloud rejects the login credentials.
// It stays fatal until the credentials change.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tuya login rejected: code %d: %s", e.Code, e.Message)
}

// TransportError covers timeouts, socket errors and unexpected HTTP
// statuses.  Callers treat it as retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tuya transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a business rejection carried in the response envelope
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tuya api error: code %d: %s", e.Code, e.Message)
}

// TokenExpiredError is the response code 1010.  It is handled inside the
// client with one re-login and one retry, and only escapes when the
// retry is rejected too.
type TokenExpiredError struct {
	APIError
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("tuya token invalid: code %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether err should feed the reconnect machinery
// rather than be treated as fatal
func IsRetryable(err error) bool {
	var authErr *AuthError
	return err != nil && !errors.As(err, &authErr)
}
