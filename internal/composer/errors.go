package composer

import "fmt"

// ErrorKind is the closed set of error kinds the composer surfaces to hosts.
type ErrorKind string

// Error kinds recognized by the outer HTTP layer when deciding status codes.
const (
	ErrTemplateNotFound ErrorKind = "TEMPLATE_NOT_FOUND"
	ErrTemplateError    ErrorKind = "TEMPLATE_ERROR"
	ErrFragmentTimeout  ErrorKind = "FRAGMENT_TIMEOUT"
	ErrFragmentFetch    ErrorKind = "FRAGMENT_FETCH_ERROR"
	ErrFragmentHTTP     ErrorKind = "FRAGMENT_HTTP_ERROR"
	ErrDecode           ErrorKind = "DECODE_ERROR"
)

// ComposeError carries a machine-readable Kind plus a Presentable message
// that is safe to return verbatim in an HTTP response body.
type ComposeError struct {
	Kind        ErrorKind
	Presentable string
	Cause       error
}

func (e *ComposeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Presentable, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Presentable)
}

func (e *ComposeError) Unwrap() error {
	return e.Cause
}

// NewComposeError builds a ComposeError, wrapping cause for %w chains.
func NewComposeError(kind ErrorKind, presentable string, cause error) *ComposeError {
	return &ComposeError{Kind: kind, Presentable: presentable, Cause: cause}
}

// StatusCode maps an error kind to the outer HTTP status it should produce.
func (k ErrorKind) StatusCode() int {
	switch k {
	case ErrTemplateNotFound:
		return 404
	default:
		return 500
	}
}

// StatusCodeOf returns the HTTP status implied by err: the mapped status of
// its *ComposeError kind if it carries one (directly or via Unwrap), else
// 500 for any other error.
func StatusCodeOf(err error) int {
	var ce *ComposeError
	if asComposeError(err, &ce) {
		return ce.Kind.StatusCode()
	}
	return 500
}

// Presentable returns the field Presentable of err if it implements the
// de-facto `Presentable() string` contract described in spec.md §7 for
// context/template/handler errors, else "" and false.
func Presentable(err error) (string, bool) {
	var ce *ComposeError
	if ok := asComposeError(err, &ce); ok {
		return ce.Presentable, true
	}
	type presentable interface{ Presentable() string }
	if p, ok := err.(presentable); ok {
		return p.Presentable(), true
	}
	return "", false
}

func asComposeError(err error, target **ComposeError) bool {
	for err != nil {
		if ce, ok := err.(*ComposeError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
