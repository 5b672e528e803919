package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Reason)
}

// MultiError holds multiple errors that occurred during parsing.
type MultiError struct {
	Errors []error
}

// Append adds err, flattening nested MultiErrors. Nil errors are ignored.
func (m *MultiError) Append(err error) {
	if err == nil {
		return
	}
	var nested *MultiError
	if errors.As(err, &nested) && nested != m {
		m.Errors = append(m.Errors, nested.Errors...)
		return
	}
	m.Errors = append(m.Errors, err)
}

// ErrorOrNil returns m if it holds any error.
func (m *MultiError) ErrorOrNil() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}

	errMsgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		errMsgs[i] = err.Error()
	}

	return fmt.Sprintf("%d error(s) occurred:\n- %s",
		len(m.Errors), strings.Join(errMsgs, "\n- "))
}

func (m *MultiError) Unwrap() []error {
	return m.Errors
}
