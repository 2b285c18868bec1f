// Package cache provides the result cache: a fingerprint-keyed map to the
// job that is computing (or has computed) that request. It is the admission
// control that gives duplicate requests exactly-once computation.
package cache

import "sync"

// entry is one reservation. It starts pending and becomes committed once the
// holder's job record is durable; settled closes on commit or release so
// concurrent duplicates can wait for the outcome.
type entry struct {
	jobID     string
	committed bool
	settled   chan struct{}
}

// Cache maps request fingerprints to job ids. All operations take a single
// mutex, so Reserve is a linearizable insert-if-absent: of any number of
// concurrent reservations for one fingerprint, exactly one wins. A
// reservation stays pending until Commit; only committed entries may be
// treated as stale and removed by anyone but their owner.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty result cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Lookup returns the job id cached for the fingerprint, if any, whether the
// entry is pending or committed.
func (c *Cache) Lookup(fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return "", false
	}
	return e.jobID, true
}

// Reserve claims the fingerprint for jobID. If another job already holds the
// fingerprint, that job's id is returned with reserved=false; pending is nil
// when the holder has committed, otherwise a channel that closes once the
// holder commits or releases the entry. Otherwise a pending entry is inserted
// and reserved=true.
func (c *Cache) Reserve(fingerprint, jobID string) (winner string, reserved bool, pending <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[fingerprint]; ok {
		if existing.committed {
			return existing.jobID, false, nil
		}
		return existing.jobID, false, existing.settled
	}
	c.entries[fingerprint] = &entry{jobID: jobID, settled: make(chan struct{})}
	return jobID, true, nil
}

// Commit marks the reservation durable, but only if it still refers to jobID.
// Waiters blocked on the pending channel are released.
func (c *Cache) Commit(fingerprint, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok || e.jobID != jobID || e.committed {
		return
	}
	e.committed = true
	close(e.settled)
}

// Remove drops the entry for the fingerprint, but only if it still refers to
// jobID. A newer job that re-claimed the fingerprint is left untouched.
// Releasing a pending reservation unblocks its waiters.
func (c *Cache) Remove(fingerprint, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok || e.jobID != jobID {
		return
	}
	if !e.committed {
		close(e.settled)
	}
	delete(c.entries, fingerprint)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
