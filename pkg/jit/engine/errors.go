package engine

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrUndefinedSymbol    = errors.New("undefined symbol")
	ErrNotLoaded          = errors.New("engine has no code loaded")
	ErrClosed             = errors.New("engine closed")
	ErrIncompatibleObject = errors.New("object was built for another target")
)

// LinkError reports a failure to load or resolve code in the engine.
type LinkError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *LinkError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// AlreadyCompiledError is returned when code is loaded into an engine, or a
// context, that already holds compiled code.
type AlreadyCompiledError struct {
	Entry string
}

func (e *AlreadyCompiledError) Error() string {
	if e.Entry == "" {
		return "already compiled"
	}
	return fmt.Sprintf("already compiled (entry %s)", e.Entry)
}
