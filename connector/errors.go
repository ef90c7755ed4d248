package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied matches every *PermissionError.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnknownService matches every *UnknownServiceError.
	ErrUnknownService = errors.New("unknown service")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("connector closed")
)

// PermissionError reports a role not allowed to call an action.
type PermissionError struct {
	Role      string
	ServiceID string
	Category  string
	Action    string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %q has no permission on %s/%s/%s", e.Role, e.ServiceID, e.Category, e.Action)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermissionDenied }

// UnknownServiceError reports a request for a service with no live host.
type UnknownServiceError struct {
	ServiceID string
	RequestID string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("unknown service %s (request %s)", e.ServiceID, e.RequestID)
}

func (e *UnknownServiceError) Is(target error) bool { return target == ErrUnknownService }
