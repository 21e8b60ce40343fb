package plagscan

import "fmt"

// ErrorCode classifies failures per the error taxonomy: configuration
// and input errors are reported to the caller and never retried,
// format errors are fatal for a single index only, resource errors
// propagate as load failures (or a nonzero builder exit), and merge
// corruption is fatal in the builder while leaving the previously
// published index untouched.
type ErrorCode string

const (
	ErrBadRequest    ErrorCode = "bad_request"
	ErrBadMagic      ErrorCode = "bad_magic"
	ErrBadVersion    ErrorCode = "bad_version"
	ErrTruncated     ErrorCode = "truncated"
	ErrCSRInvariant  ErrorCode = "csr_invariant"
	ErrIO            ErrorCode = "io"
	ErrOOM           ErrorCode = "oom"
	ErrMergeCorrupt  ErrorCode = "merge_corrupt"
)

// PlagError is the concrete error type returned across the package. It
// carries a taxonomy code so callers can branch programmatically while
// still supporting errors.Is/errors.As against the wrapped cause.
type PlagError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *PlagError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PlagError) Unwrap() error { return e.Err }

func newErr(code ErrorCode, msg string) error {
	return &PlagError{Code: code, Message: msg}
}

func wrapErr(code ErrorCode, msg string, err error) error {
	return &PlagError{Code: code, Message: msg, Err: err}
}
