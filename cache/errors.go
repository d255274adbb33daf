package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/riadafridishibly/dusk/internal/metrics"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrKind classifies store failures.
type ErrKind int

const (
	// ErrKindIO is a storage failure that survived the transient retry.
	ErrKindIO ErrKind = iota + 1
	// ErrKindMigration means the schema could not be brought up to date.
	// The store must not be used.
	ErrKindMigration
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindIO:
		return "io"
	case ErrKindMigration:
		return "migration"
	default:
		return "unknown"
	}
}

// ErrScanActive is returned when a root's rows are cleared while a scan of
// that root is still writing.
var ErrScanActive = errors.New("cache: scan in progress for root")

// ErrWriterClosed is returned by writes queued after ScanWriter.Close.
var ErrWriterClosed = errors.New("cache: scan writer closed")

// StoreError is the error type returned by Store operations.
type StoreError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsMigration reports whether err is a fatal migration failure.
func IsMigration(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == ErrKindMigration
}

// IsIO reports whether err is a storage I/O failure.
func IsIO(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == ErrKindIO
}

// isTransient reports lock contention, which is worth one more attempt.
func isTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// retry runs fn, retrying once with backoff on transient errors. Any error
// left over is wrapped as ErrKindIO.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryWait
	b.MaxInterval = 4 * s.retryWait
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt == 1 {
			metrics.RecordStoreRetry()
			s.log.Debug("retrying transient store error", zap.String("op", op), zap.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		return &StoreError{Kind: ErrKindIO, Op: op, Err: err}
	}
	return nil
}
