package app

import "fmt"

// DomainError is an application-level failure with a stable machine-readable
// code. The HTTP layer maps it straight onto the response; everything else in
// the service returns wrapped plain errors.
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
