package errs

import (
	"fmt"

	cr "github.com/cockroachdb/errors"
)

// New creates an error with a stack trace attached.
func New(msg string) error {
	return cr.New(msg)
}

func Newf(format string, args ...any) error {
	return cr.Newf(format, args...)
}

// Wrap annotates err with msg, preserving the original cause.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

// Mark associates err with a sentinel so errors.Is(err, sentinel) holds.
func Mark(err error, markErr error) error {
	if err == nil {
		return markErr
	}
	return cr.Mark(err, markErr)
}

func Is(err, target error) bool {
	return cr.Is(err, target)
}

func As(err error, target any) bool {
	return cr.As(err, target)
}

// InsufficientQuotaError reports how short the quota ledger is. Available == 0
// is hard out-of-stock; 0 < Available < Requested is a partial shortage.
type InsufficientQuotaError struct {
	Requested int
	Available int
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient quota: requested %d, available %d", e.Requested, e.Available)
}
