package history

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRole  = errors.New("role must be user or assistant")
	ErrInvalidLimit = errors.New("limit must not be negative")
	ErrInvalidKeep  = errors.New("keep must be at least 1")
)

// StorageError reports that the backing medium failed an operation.
type StorageError struct {
	Op     string
	ChatID int64
	Err    error
}

func (e *StorageError) Error() string {
	if e.ChatID == 0 {
		return fmt.Sprintf("history %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("history %s chat %d: %v", e.Op, e.ChatID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
