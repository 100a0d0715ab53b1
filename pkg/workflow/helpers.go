package workflow

import stderrors "errors"

// stdErrorsAs wraps the standard library errors.As, which is shadowed in
// this package by the structured errors import.
func stdErrorsAs(err error, target any) bool {
	return stderrors.As(err, target)
}
