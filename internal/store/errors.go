package store

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaNotReady is returned by every query before migrations have
	// completed, including after a failed migration.
	ErrSchemaNotReady = errors.New("schema not ready")

	ErrNotFound         = errors.New("not found")
	ErrPairHashExists   = errors.New("connection for pair hash exists")
	ErrConnectionExists = errors.New("connection exists")
	ErrReplyNotFound    = errors.New("reply target not in chat")
	ErrDefaultFolder    = errors.New("default folder cannot be removed")
	ErrDefaultPreset    = errors.New("default preset cannot be removed")
	ErrPortPaused       = errors.New("port paused")
	ErrPortExhausted    = errors.New("port exhausted")
	ErrPortExpired      = errors.New("port expired")
	ErrSentinelDrift    = errors.New("journaled sentinel drift")
)

// StorageError wraps every failure surfaced by the store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
