package storage

import (
	"errors"
	"fmt"
)

// ErrChatNotFound is returned when no stored chat matches the id.
var ErrChatNotFound = errors.New("chat not found")

// StorageError reports that the backing store could not be read or written.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
