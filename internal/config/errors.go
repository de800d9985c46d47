package config

import (
	"errors"
	"fmt"
)

// ErrorKind classifies configuration errors.
type ErrorKind int

// Configuration error kinds.
const (
	Malformed ErrorKind = iota + 1
	MissingField
	InvalidValue
	DuplicateJobName
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case MissingField:
		return "missing field"
	case InvalidValue:
		return "invalid value"
	case DuplicateJobName:
		return "duplicate job name"
	}
	return "unknown"
}

// Error is returned for every problem found while loading a configuration.
// Field is the dotted path of the offending key, e.g. "jobs[1].name".
type Error struct {
	Kind    ErrorKind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Field == "" {
		return fmt.Sprintf("config %s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("config %s: %s: %s", e.Kind, e.Field, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a configuration error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr) && cfgErr.Kind == kind
}

func malformed(field string, err error) *Error {
	return &Error{Kind: Malformed, Field: field, Message: "cannot be parsed", Err: err}
}

func missing(field string) *Error {
	return &Error{Kind: MissingField, Field: field, Message: "is required"}
}

func invalid(field, format string, args ...any) *Error {
	return &Error{Kind: InvalidValue, Field: field, Message: fmt.Sprintf(format, args...)}
}
