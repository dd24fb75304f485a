// Package coordinator provides cluster-wide mutual exclusion for task
// attempts. Locks are lease-based so a crashed holder's lock can be reclaimed
// after expiry. Two implementations exist: Redis for clustered deployments and
// Local for standalone processes, with identical semantics.
package coordinator

import (
	"context"
	"errors"
	"time"
)

// ErrBusy means another holder's lease on the task id has not expired.
var ErrBusy = errors.New("lock busy")

// ErrLockLost means the caller's lease expired or was reclaimed; any result
// produced under it must be discarded.
var ErrLockLost = errors.New("lock lost")

// Lease is a time-bounded lock grant on a task id. The token identifies the
// holder, so expired leases reclaimed by another node cannot be renewed or
// released by the original holder.
type Lease struct {
	TaskID   string
	Token    string
	Duration time.Duration
}

// Coordinator is the cluster-wide mutual-exclusion and state-mirroring
// surface the engine depends on.
type Coordinator interface {
	// Acquire takes the lock for the task id for the given lease duration.
	// Returns ErrBusy while another unexpired holder exists.
	Acquire(ctx context.Context, taskID string, lease time.Duration) (*Lease, error)

	// Renew extends the lease while an attempt outlives its original
	// duration. Returns ErrLockLost if the lease already expired or the lock
	// was reclaimed.
	Renew(ctx context.Context, l *Lease) error

	// Release drops the lock. Idempotent; safe after expiry.
	Release(ctx context.Context, l *Lease) error

	// SetTaskState mirrors a task's status for cross-process visibility.
	SetTaskState(ctx context.Context, taskID, status string) error

	Close() error
}
