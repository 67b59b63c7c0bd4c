package main

import "errors"

// cmdError carries the exit code a failed command should produce, so main
// doesn't need to re-derive it from error text.
type cmdError struct {
	code int
	err  error
}

func (e *cmdError) Error() string {
	if e.err == nil {
		return "graceful shutdown"
	}
	return e.err.Error()
}
func (e *cmdError) Unwrap() error { return e.err }

func configError(err error) error   { return &cmdError{code: exitConfigError, err: err} }
func databaseError(err error) error { return &cmdError{code: exitDatabaseError, err: err} }
func shutdownError(err error) error { return &cmdError{code: exitShutdown, err: err} }

func exitCodeFor(err error) int {
	var ce *cmdError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitConfigError
}
