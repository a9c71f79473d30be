package rbac

import "errors"

var (
	// ErrNotFound is returned when a row does not exist in the requested institution
	ErrNotFound = errors.New("not found")

	// ErrUserNotFound is returned when identity resolution finds no matching user
	ErrUserNotFound = errors.New("user not found in permissions base")

	// ErrUnauthorized is returned when the caller is not a sysadmin for the target institution
	ErrUnauthorized = errors.New("unauthorized: sysadmin rights required")

	// ErrDuplicateEmail is returned when an email is already used inside an institution
	ErrDuplicateEmail = errors.New("email already in use in this institution")

	// ErrInvalidArgument is returned for malformed mutation input
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBackendUnavailable marks a failed primary backend call. It is logged, never surfaced
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNotSupported is returned by a backend that does not implement an operation
	ErrNotSupported = errors.New("operation not supported by backend")
)

// IsNotFound reports whether err is any of the not-found errors
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUserNotFound)
}
