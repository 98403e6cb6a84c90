package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidParameter is returned for any parameter rejected before submission.
var ErrInvalidParameter = errors.New("invalid parameter")

// ParamError describes a single rejected parameter.
type ParamError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ParamError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid parameter %s=%s: %s", e.Field, shortValue(e.Value), e.Reason)
}

// maxValueRunes bounds how much of a rejected value an error message repeats.
const maxValueRunes = 80

func shortValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	r := []rune(s)
	if len(r) <= maxValueRunes {
		return s
	}
	return string(r[:maxValueRunes-1]) + "…"
}

func (e *ParamError) Unwrap() error { return ErrInvalidParameter }

// ErrorKind classifies the error for presentation.
func (e *ParamError) ErrorKind() string { return "invalid_parameter" }

func paramErr(field string, value interface{}, format string, args ...interface{}) error {
	return &ParamError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)}
}
