package sync

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInProgress = errors.New("sync already in progress")
	ErrNoSyncState       = errors.New("no sync state: run a full sync first")
	// ErrHistoryExpired means the stored cursor is older than the provider's change log; only a full sync can recover
	ErrHistoryExpired = errors.New("history expired")
	// ErrLockLost means the run outlived its lock and another run took over before the result was recorded
	ErrLockLost = fmt.Errorf("%w: lock lost", ErrAlreadyInProgress)
)
