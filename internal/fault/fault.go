// Package fault carries the service error convention shared by the
// collaboration services: stable machine-readable codes of the form
// <area>.<operation>.<reason> wrapping the underlying cause.
package fault

import "fmt"

// ServiceError pairs a stable error code with its cause.
type ServiceError struct {
	code string
	err  error
}

// New builds a ServiceError for the operation and reason.
func New(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}
