package recluster

import (
	"errors"

	"github.com/grafana/quarry/pkg/storage/lock"
)

var (
	// ErrTableLockExpired is returned when the table lock was lost while a
	// batch was running.
	ErrTableLockExpired = lock.ErrTableLockExpired
	// ErrTableAlreadyLocked is returned when another process holds the
	// table lock.
	ErrTableAlreadyLocked = lock.ErrTableAlreadyLocked
	// ErrTableVersionMismatched is returned by commits planned against an
	// outdated snapshot.
	ErrTableVersionMismatched = errors.New("table version mismatched")
	// ErrUnresolvableConflict is returned by commits that conflict with a
	// concurrent write.
	ErrUnresolvableConflict = errors.New("unresolvable conflict")
)

// isConflict reports whether err is caused by a concurrent modification of
// the table. Conflicts are retried when running until all work is done.
func isConflict(err error) bool {
	return errors.Is(err, ErrTableLockExpired) ||
		errors.Is(err, ErrTableAlreadyLocked) ||
		errors.Is(err, ErrTableVersionMismatched) ||
		errors.Is(err, ErrUnresolvableConflict)
}
