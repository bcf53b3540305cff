// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package custody

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = custody.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

const (
	// ErrInvariant marks a desynchronization between the ledger and a chain.
	// A job that returns an error wrapping ErrInvariant is halted until an
	// operator intervenes.
	ErrInvariant = ErrorKind("invariant violation")
	// ErrInsufficientFunds is returned when a wallet or ledger account cannot
	// cover an amount.
	ErrInsufficientFunds = ErrorKind("insufficient funds")
	// ErrUnknownCoin is returned for a coin symbol that is not configured.
	ErrUnknownCoin = ErrorKind("unknown coin")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided Error with details in a Error, facilitating the
// use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}
