package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local is the standalone-mode coordinator: an in-process lease table keyed
// by task id. It preserves the lease semantics of the distributed
// implementation, including expiry-based reclamation.
type Local struct {
	mu    sync.Mutex
	locks map[string]localLock
}

type localLock struct {
	token  string
	expiry time.Time
}

// NewLocal creates an in-process coordinator.
func NewLocal() *Local {
	return &Local{locks: make(map[string]localLock)}
}

// Acquire takes the lock unless an unexpired holder exists.
func (c *Local) Acquire(_ context.Context, taskID string, lease time.Duration) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if held, ok := c.locks[taskID]; ok && time.Now().Before(held.expiry) {
		return nil, ErrBusy
	}

	token := uuid.NewString()
	c.locks[taskID] = localLock{token: token, expiry: time.Now().Add(lease)}
	return &Lease{TaskID: taskID, Token: token, Duration: lease}, nil
}

// Renew extends the lease if the caller still holds an unexpired lock.
func (c *Local) Renew(_ context.Context, l *Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, ok := c.locks[l.TaskID]
	if !ok || held.token != l.Token || time.Now().After(held.expiry) {
		return ErrLockLost
	}
	held.expiry = time.Now().Add(l.Duration)
	c.locks[l.TaskID] = held
	return nil
}

// Release drops the lock if the caller still holds it. Releasing an expired
// or reclaimed lock is a no-op.
func (c *Local) Release(_ context.Context, l *Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if held, ok := c.locks[l.TaskID]; ok && held.token == l.Token {
		delete(c.locks, l.TaskID)
	}
	return nil
}

// SetTaskState is a no-op in standalone mode; there is no other process to
// mirror state to.
func (c *Local) SetTaskState(_ context.Context, _, _ string) error { return nil }

// Close releases nothing; the lease table dies with the process.
func (c *Local) Close() error { return nil }
