package models

import (
	"fmt"
	"strings"
)

// ValidationError is a field-level input error. The operation was not attempted.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = e.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// ExecutorError wraps a failure of the scan or speed-test mechanism.
type ExecutorError struct {
	Executor string
	Err      error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Executor, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// PersistenceError wraps a settings read or write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("settings %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
