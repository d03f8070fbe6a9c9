package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("operation already in progress")
	ErrInvalidState  = errors.New("invalid project state")
	ErrEngineFailure = errors.New("engine failure")
	ErrStoreFailure  = errors.New("store failure")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidInput  = errors.New("invalid input")
)

// EngineError carries the human-readable message reported by the generation engine.
type EngineError struct {
	Op      string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *EngineError) Unwrap() error {
	return ErrEngineFailure
}

// StoreError marks a persistence failure while keeping the cause inspectable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreFailure, e.Err}
}
