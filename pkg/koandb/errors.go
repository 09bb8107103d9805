package koandb

import (
	"errors"
	"fmt"

	"github.com/orneryd/koandb/pkg/index"
	"github.com/orneryd/koandb/pkg/storage"
)

// Errors returned by DB and Tx operations. Sentinels owned by the storage
// and index packages are re-exported so callers only need this package for
// errors.Is checks.
var (
	ErrNotFound            = storage.ErrNotFound
	ErrAlreadyExists       = storage.ErrAlreadyExists
	ErrInvalidData         = storage.ErrInvalidData
	ErrInvalidProperty     = storage.ErrInvalidProperty
	ErrIntegrityViolation  = storage.ErrIntegrityViolation
	ErrNoActiveTransaction = storage.ErrNoActiveTransaction
	ErrBatchTooLarge       = storage.ErrBatchTooLarge
	ErrConfigMismatch      = index.ErrConfigMismatch
	ErrNotUnique           = index.ErrNotUnique

	ErrConcurrentTransaction = errors.New("another transaction is active")
	ErrCommitFailed          = errors.New("commit failed")
	ErrClosed                = errors.New("database is closed")
)

// CommitError is returned by Tx.Commit when the transaction could not be
// applied. It matches ErrCommitFailed and unwraps to the error that caused
// the failure:
//
//	err := tx.Commit()
//	if errors.Is(err, koandb.ErrCommitFailed) && errors.Is(err, koandb.ErrIntegrityViolation) {
//		// an indexed node was deleted without removing it from the index
//	}
type CommitError struct {
	TxID  string
	Cause error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of transaction %s failed: %v", e.TxID, e.Cause)
}

// Unwrap exposes both ErrCommitFailed and the cause to errors.Is/As.
func (e *CommitError) Unwrap() []error {
	return []error{ErrCommitFailed, e.Cause}
}
