package session

import "errors"

var (
	// ErrNotFound is returned for unknown tokens and unresolvable token
	// fragments.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is returned when an operation is not allowed on
	// the session or the feature is disabled.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidData is returned for malformed input such as an import
	// archive without info.json.
	ErrInvalidData = errors.New("invalid data")
	// ErrDuplicate is returned when an imported session already exists.
	ErrDuplicate = errors.New("duplicate")
)
