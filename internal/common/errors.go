// Package common holds the error taxonomy and logging setup shared by
// every other package in the module.
package common

import "github.com/pkg/errors"

// Kind classifies a sentinel error so callers can branch on category
// without string-matching messages.
type Kind uint8

const (
	KindNone Kind = iota
	KindCorrupt
	KindLogFull
	KindLatchTimeout
	KindLockTimeout
	KindDeadlock
	KindUniqueViolation
	KindKeyNotFound
	KindRecordTooLarge
	KindInvalidState
	KindLogClosed
	KindStorage
)

var (
	ErrCorrupt         = errors.New("simpledbm: corrupt page or log record")
	ErrLogFull         = errors.New("simpledbm: log group is full")
	ErrLatchTimeout    = errors.New("simpledbm: timed out waiting for latch")
	ErrLockTimeout     = errors.New("simpledbm: timed out waiting for lock")
	ErrDeadlock        = errors.New("simpledbm: deadlock detected")
	ErrUniqueViolation = errors.New("simpledbm: unique constraint violated")
	ErrKeyNotFound     = errors.New("simpledbm: key not found")
	ErrRecordTooLarge  = errors.New("simpledbm: record exceeds maximum page capacity")
	ErrInvalidState    = errors.New("simpledbm: invalid state for requested operation")
	ErrLogClosed       = errors.New("simpledbm: log manager is closed")
	ErrStorage         = errors.New("simpledbm: underlying storage error")
)

// kindOf maps a sentinel to its Kind. Used by Classify to classify wrapped
// errors returned from deep in the stack.
var kindOf = map[error]Kind{
	ErrCorrupt:         KindCorrupt,
	ErrLogFull:         KindLogFull,
	ErrLatchTimeout:    KindLatchTimeout,
	ErrLockTimeout:     KindLockTimeout,
	ErrDeadlock:        KindDeadlock,
	ErrUniqueViolation: KindUniqueViolation,
	ErrKeyNotFound:     KindKeyNotFound,
	ErrRecordTooLarge:  KindRecordTooLarge,
	ErrInvalidState:    KindInvalidState,
	ErrLogClosed:       KindLogClosed,
	ErrStorage:         KindStorage,
}

// Classify returns the Kind of the deepest sentinel wrapped in err, or
// KindNone if err does not wrap one of this package's sentinels.
func Classify(err error) Kind {
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindNone
}

// Wrap annotates err with a message while preserving errors.Is/Cause
// compatibility with the sentinels above.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
