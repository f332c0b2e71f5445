package router

import "errors"

var (
	// ErrInvalidMethod is returned for verbs outside the standard set
	ErrInvalidMethod = errors.New("invalid route method")
	// ErrInvalidPattern is returned for malformed path patterns
	ErrInvalidPattern = errors.New("invalid route pattern")
	// ErrDuplicateRoute is returned when a method and pattern are already registered
	ErrDuplicateRoute = errors.New("duplicate route")
)
