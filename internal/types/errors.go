package types

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means the coordination backend could not be
	// reached at all. Components recover by switching to their fallback
	// mode; this never surfaces to API callers.
	ErrBackendUnavailable = errors.New("coordination backend unavailable")

	// ErrBackendOperation means a single call against an otherwise
	// reachable backend failed. Only that call degrades to fallback.
	ErrBackendOperation = errors.New("coordination backend operation failed")

	// ErrStorageCorrupt means the primary metadata file could not be read
	// or parsed. The store tries the backup copy, then an empty document.
	ErrStorageCorrupt = errors.New("metadata document unreadable")

	// ErrStorageWrite is the only error kind that surfaces to callers:
	// a lost config write is not safe to hide.
	ErrStorageWrite = errors.New("metadata write failed")

	ErrInvalidBackend = errors.New("invalid backend")
	ErrLockNotHeld    = errors.New("lock not held")
)

func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}
