package drive

import (
	"errors"
	"fmt"
)

// Sentinel errors for the storage error taxonomy.
// Use errors.Is(err, drive.ErrNotFound) to check.
var (
	// ErrValidation marks a malformed request shape. Never retried,
	// surfaced verbatim to the caller.
	ErrValidation = errors.New("drive: validation failed")
	// ErrNotFound marks an unknown item, session, or account.
	ErrNotFound = errors.New("drive: not found")
	// ErrQuotaExceeded is returned before any chunk is accepted when the
	// declared upload would push usage over the ceiling.
	ErrQuotaExceeded = errors.New("drive: quota exceeded")
	// ErrUnsupported marks an operation the target cannot perform, such as
	// streaming a folder.
	ErrUnsupported = errors.New("drive: unsupported operation")
	// ErrCircularReference marks a move that would place a folder inside
	// itself or one of its descendants.
	ErrCircularReference = errors.New("drive: circular reference")
	// ErrIntegrityMismatch marks a merged or uploaded size that disagrees
	// with the declared size. Fatal; the partial artifact is cleaned up.
	ErrIntegrityMismatch = errors.New("drive: integrity mismatch")
	// ErrTransientBackend marks a remote API or network failure. Read
	// paths swallow it and serve the local index; write paths propagate.
	ErrTransientBackend = errors.New("drive: transient backend error")
	// ErrMaxDepthExceeded marks a parent-chain walk or descendant
	// traversal that exceeded MaxTreeDepth. Data is presumed corrupt.
	ErrMaxDepthExceeded = errors.New("drive: max tree depth exceeded")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}
