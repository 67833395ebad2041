package locking

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Named locks used across the system. LockDB serializes all store mutations;
// LockVectorDB serializes index ingestion against query execution.
const (
	LockDB       = "db"
	LockVectorDB = "vectordb"
)

// Coordinator provides named mutual exclusion that holds across every process
// sharing the same store file. Callers must not depend on the backend.
type Coordinator interface {
	// TryAcquire attempts to take the named lock without blocking.
	TryAcquire(name string) (bool, error)

	// Release frees the named lock. Releasing an unheld lock is a no-op.
	Release(name string) error

	// WithLock blocks until the named lock is acquired, runs fn, and releases
	// the lock on every exit path including fn failing.
	WithLock(ctx context.Context, name string, fn func() error) error
}

const (
	acquireRetryInterval = 100 * time.Millisecond

	// Holders renew well inside the lease, so a lapsed lease means the owning
	// process is gone.
	leaseTTL           = 30 * time.Second
	leaseRenewInterval = 10 * time.Second
)

// StoreCoordinator backs named locks with leased rows in the shared store
// file, so mutual exclusion holds across OS processes sharing it. Each
// coordinator claims rows under its own owner id and renews the lease in the
// background; a crashed process stops renewing, its leases lapse, and the
// rows become reclaimable without ever touching a live holder's locks. A
// process-local held set keeps goroutines in the same process from claiming a
// lock this process already owns.
type StoreCoordinator struct {
	conn  *sql.DB
	owner string
	stop  chan struct{}

	mu   sync.Mutex
	held map[string]bool
}

func NewStoreCoordinator(conn *sql.DB) (*StoreCoordinator, error) {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create locks table: %w", err)
	}
	c := &StoreCoordinator{
		conn:  conn,
		owner: uuid.NewString(),
		stop:  make(chan struct{}),
		held:  make(map[string]bool),
	}
	go c.renewLoop()
	return c, nil
}

func (c *StoreCoordinator) TryAcquire(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held[name] {
		return false, nil
	}

	if _, err := c.conn.Exec(`INSERT OR IGNORE INTO locks (name) VALUES (?)`, name); err != nil {
		return false, fmt.Errorf("failed to seed lock row %q: %w", name, err)
	}

	now := time.Now().UnixMilli()
	res, err := c.conn.Exec(`
		UPDATE locks SET owner = ?, expires_at = ?
		WHERE name = ? AND (owner = '' OR expires_at < ?)`,
		c.owner, now+leaseTTL.Milliseconds(), name, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Leased to another live process.
		return false, nil
	}
	c.held[name] = true
	return true, nil
}

func (c *StoreCoordinator) Release(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.held[name] {
		return nil
	}
	if _, err := c.conn.Exec(
		`UPDATE locks SET owner = '', expires_at = 0 WHERE name = ? AND owner = ?`,
		name, c.owner); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	c.held[name] = false
	return nil
}

func (c *StoreCoordinator) WithLock(ctx context.Context, name string, fn func() error) error {
	for {
		ok, err := c.TryAcquire(name)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
	defer c.Release(name)
	return fn()
}

func (c *StoreCoordinator) renewLoop() {
	ticker := time.NewTicker(leaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.renewHeld()
		}
	}
}

// renewHeld extends the lease of every lock this process holds. Rows claimed
// by a different owner are never written.
func (c *StoreCoordinator) renewHeld() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, held := range c.held {
		if !held {
			continue
		}
		expires := time.Now().Add(leaseTTL).UnixMilli()
		if _, err := c.conn.Exec(
			`UPDATE locks SET expires_at = ? WHERE name = ? AND owner = ?`,
			expires, name, c.owner); err != nil {
			log.Printf("[LOCK] failed to renew lease on %q: %v", name, err)
		}
	}
}

// Close stops lease renewal. Locks still held lapse once their lease expires.
func (c *StoreCoordinator) Close() error {
	close(c.stop)
	return nil
}
