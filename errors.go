package fswatch

import (
	"errors"

	"github.com/watchforge/fswatch/internal/werr"
)

// Sentinel errors forming the watcher error taxonomy (spec.md section 7).
// OVERFLOW is deliberately absent here: it is never an error value, it is
// always delivered through Callback.OnOverflow.
//
// ErrAlreadyWatched, ErrInvalidPath, and ErrInternal are aliases onto
// internal/werr, which every platform engine also imports directly — engine
// packages cannot import this root package (it imports internal/engine),
// so the shared taxonomy lives in that leaf package and is re-exported here
// under its public names.
var (
	// ErrAlreadyWatched is returned by Register when a path is already
	// live, unless the existing watch point has already reached FINISHED,
	// in which case it is removed first and registration retried.
	ErrAlreadyWatched = werr.ErrAlreadyWatched

	// ErrInvalidPath is returned when a path cannot be put into the form the
	// OS call needs at registration time (an absolute path on Linux, a
	// UTF-16 string on Windows); the macOS engine never returns it. A path
	// the OS fails to open is reported as an *OSError instead, and no engine
	// checks up front that a path is a directory.
	ErrInvalidPath = werr.ErrInvalidPath

	// ErrTimeout is returned by Register/Unregister/Terminate when the
	// command did not complete within the submitter's timeout. The command
	// itself is not cancelled; it completes eventually, but the submitter
	// is no longer waiting on it.
	ErrTimeout = errors.New("fswatch: command timed out")

	// ErrShuttingDown is returned when a command is submitted after
	// Terminate has already been called.
	ErrShuttingDown = errors.New("fswatch: watcher is shutting down")

	// ErrReentrant is returned by Register and Terminate instead of
	// deadlocking when a Callback method calls back into them on the same
	// Watcher from the worker goroutine; Unregister reports it through
	// Callback.OnError and returns false.
	ErrReentrant = errors.New("fswatch: reentrant call from worker goroutine")

	// ErrInternal signals an invariant violation — e.g. an event for an
	// unknown watch descriptor that is not a late IN_IGNORED.
	ErrInternal = werr.ErrInternal
)

// OSError wraps a syscall-level failure with the underlying OS error code
// and, when known, the path it concerns. It corresponds to spec.md's
// OS_ERROR(code). It is an alias for internal/werr.OSError so platform
// engines can construct it without importing this package.
type OSError = werr.OSError

// NewOSError constructs an *OSError from path, the OS error code, and the
// underlying error, all stored as given.
func NewOSError(path string, code int, err error) *OSError {
	return werr.NewOSError(path, code, err)
}
