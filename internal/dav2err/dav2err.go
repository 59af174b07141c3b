// Package dav2err defines the small set of error codes the engine
// reports across its public surface, generalizing the teacher's
// biscuit/src/defs.Err_t errno-alias pattern into a closed enum
// wrapped with github.com/pkg/errors for call-site context.
package dav2err

import "github.com/pkg/errors"

// Code classifies a failure the way a caller of the engine needs to act
// on it: retry, surface to a user, or treat as corruption.
type Code int

const (
	// OutOfSpace means no MB/zone in the target pool had room for the
	// requested allocation.
	OutOfSpace Code = iota + 1
	// InProgressConflict means a concurrent transaction already holds
	// the range or object being operated on.
	InProgressConflict
	// ReplayBusy means the pool is mid-WAL-replay and cannot yet accept
	// new transactions.
	ReplayBusy
	// InvalidArgument means a caller-supplied parameter (size, class
	// ID, config value) is out of its valid range.
	InvalidArgument
	// NotFound means a requested object, zone, or MB does not exist.
	NotFound
	// Exists means a create-style operation targeted something that
	// already exists.
	Exists
	// Fatal means an invariant the engine depends on for correctness
	// was violated; the caller should treat the pool as unusable.
	Fatal
)

func (c Code) String() string {
	switch c {
	case OutOfSpace:
		return "out of space"
	case InProgressConflict:
		return "in-progress conflict"
	case ReplayBusy:
		return "replay busy"
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case Exists:
		return "already exists"
	case Fatal:
		return "fatal"
	default:
		return "unknown error code"
	}
}

// codedError pairs a Code with the errors.Wrap-produced chain that
// carries the call-site message and stack.
type codedError struct {
	code Code
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Cause() error  { return e.err }
func (e *codedError) Unwrap() error { return e.err }

// New returns an error of the given Code with msg as its message.
func New(code Code, msg string) error {
	return &codedError{code: code, err: errors.New(msg)}
}

// Newf is New with fmt-style formatting.
func Newf(code Code, format string, args ...interface{}) error {
	return &codedError{code: code, err: errors.Errorf(format, args...)}
}

// Wrap annotates err with msg and tags it with code. Wrap(nil, ...)
// returns nil, matching errors.Wrap's convention.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: errors.Wrap(err, msg)}
}

// Is reports whether err (or anything it wraps) carries code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// CodeOf extracts the Code tagged onto err, if any, walking the
// wrapped-error chain.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if ce, ok := err.(*codedError); ok {
			return ce.code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}
