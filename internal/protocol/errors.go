package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes protocol errors.
type ErrorCode string

const (
	// ErrCodeUnknownType indicates a type outside the catalogue.
	ErrCodeUnknownType ErrorCode = "UNKNOWN_TYPE"

	// ErrCodeMissingField indicates a required field is absent.
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// ErrCodeUnexpectedField indicates a field the type does not declare.
	ErrCodeUnexpectedField ErrorCode = "UNEXPECTED_FIELD"

	// ErrCodeVersionMismatch indicates a peer speaking another protocol version.
	ErrCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"

	// ErrCodeMalformed indicates a frame that is not a JSON object.
	ErrCodeMalformed ErrorCode = "MALFORMED"
)

// ValidationError describes why a message was rejected.
type ValidationError struct {
	Code    ErrorCode
	Type    Type
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.Type != "" && e.Field != "":
		return fmt.Sprintf("%s: %s (type=%s, field=%s)", e.Code, e.Message, e.Type, e.Field)
	case e.Type != "":
		return fmt.Sprintf("%s: %s (type=%s)", e.Code, e.Message, e.Type)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsVersionMismatch reports whether err is a version mismatch.
func IsVersionMismatch(err error) bool {
	return hasCode(err, ErrCodeVersionMismatch)
}

// IsUnknownType reports whether err rejects a message for its type alone.
func IsUnknownType(err error) bool {
	return hasCode(err, ErrCodeUnknownType)
}

func hasCode(err error, code ErrorCode) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
