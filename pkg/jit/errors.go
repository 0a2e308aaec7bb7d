package jit

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory reports that a recording limit or the compile arena
	// budget was exceeded.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInternal reports a graph the compiler could not make consistent.
	ErrInternal = errors.New("internal compiler error")
)

// AssertionError is the panic value for structural misuse of the recording
// API, such as operand ids out of range or unbalanced flows.
type AssertionError struct{ Msg string }

func (e *AssertionError) Error() string { return "jit: assertion failed: " + e.Msg }

func assertf(cond bool, format string, args ...any) {
	if !cond { panic(&AssertionError{Msg: fmt.Sprintf(format, args...)}) }
}

func outOfMemory(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrOutOfMemory, what, err)
}

func internalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

func errLimit(n, max int) error { return fmt.Errorf("%d exceeds the limit of %d", n, max) }
