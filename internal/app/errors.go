package app

import (
	"errors"
	"fmt"
)

// ErrIdentifier is returned when neither the caller nor the configured
// identifier source names a feed.
var ErrIdentifier = errors.New("feed identifier is required")

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
