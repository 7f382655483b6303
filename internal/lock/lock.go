// Package lock implements the Concurrency & Resource Core: a single
// mutual-exclusion point enforcing at most one in-flight session per user
// and a global cap on simultaneous sessions, backed by a Storage-row lease
// with heartbeat-renewed TTL.
//
// Grounded on the teacher's internal/storage/lock.go flock primitive
// (generalized here from a raw file lock into a lease row with takeover
// semantics) and internal/session/processor.go's single-flight pattern
// (generalized into the explicit three-outcome protocol below).
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/storage"
)

// Outcome is the tri-state result of a TryAcquire call.
type Outcome int

const (
	Acquired Outcome = iota
	UserBusy
	SystemBusy
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "Acquired"
	case UserBusy:
		return "UserBusy"
	case SystemBusy:
		return "SystemBusy"
	default:
		return "Unknown"
	}
}

const lockTablePrefix = "session_locks"

// Lock is the SessionLock + admission-cap implementation. One instance is
// shared across every request in the process (a "global mutable
// singleton" in the spec's terminology, behind its own mutex).
type Lock struct {
	store *storage.Storage

	sem     *semaphore.Weighted
	semSize int64

	mu         sync.Mutex
	rowMu      map[string]*sync.Mutex // per-session_id serialization of the upsert/CAS
	userActive map[string]string      // user_id -> session_id, fast in-memory busy check
	heldWeight map[string]bool        // session_id -> whether this process holds a semaphore weight for it
}

// New constructs a Lock with the given static admission cap. maxActive
// passed to TryAcquire must match this value; see TryAcquire for the
// rationale (the cap is a process-wide config value, not a per-call one in
// practice).
func New(store *storage.Storage, maxActive int) *Lock {
	if maxActive < 1 {
		maxActive = 1
	}
	return &Lock{
		store:      store,
		sem:        semaphore.NewWeighted(int64(maxActive)),
		semSize:    int64(maxActive),
		rowMu:      make(map[string]*sync.Mutex),
		userActive: make(map[string]string),
		heldWeight: make(map[string]bool),
	}
}

func (l *Lock) rowLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.rowMu[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.rowMu[sessionID] = m
	}
	return m
}

// TryAcquire implements the Concurrency & Resource Core protocol:
//   - UserBusy if userID already holds a lock under a different session_id
//     in this process (until Release, whether or not its lease has
//     expired), or has a non-expired lease row under a different
//     session_id in storage.
//   - SystemBusy if the global admission cap is saturated.
//   - Acquired otherwise, upserting the lease row.
//
// maxActive is asserted against the cap configured in New; a drift is
// logged by the caller (via the returned error) rather than silently
// resizing the semaphore.
func (l *Lock) TryAcquire(ctx context.Context, sessionID, userID string, ttl time.Duration, maxActive int) (Outcome, error) {
	if maxActive > 0 && int64(maxActive) != l.semSize {
		return SystemBusy, fmt.Errorf("lock: max_active drifted from %d to %d; restart required to resize admission cap", l.semSize, maxActive)
	}

	now := core.Now()

	l.mu.Lock()
	if existingSession, ok := l.userActive[userID]; ok && existingSession != sessionID {
		l.mu.Unlock()
		return UserBusy, nil
	}
	l.mu.Unlock()

	// Re-confirm against durable state: another process may hold a lease
	// for this user that this process's in-memory cache doesn't know
	// about.
	if busy, err := l.userHasOtherActiveLease(ctx, userID, sessionID, ttl, now); err != nil {
		return SystemBusy, err
	} else if busy {
		return UserBusy, nil
	}

	rm := l.rowLock(sessionID)
	rm.Lock()
	defer rm.Unlock()

	var row core.SessionLockRow
	err := l.store.Get(ctx, []string{lockTablePrefix, sessionID}, &row)
	haveRow := err == nil
	if err != nil && err != storage.ErrNotFound {
		return SystemBusy, fmt.Errorf("lock: read lease: %w", err)
	}

	if haveRow && row.UserID != userID && !row.Expired(ttl, now) {
		return UserBusy, nil
	}

	needWeight := !l.heldWeight[sessionID]
	if needWeight {
		if !l.sem.TryAcquire(1) {
			return SystemBusy, nil
		}
	}

	row = core.SessionLockRow{SessionID: sessionID, UserID: userID, AcquiredAt: now, HeartbeatAt: now}
	if err := l.store.Put(ctx, []string{lockTablePrefix, sessionID}, row); err != nil {
		if needWeight {
			l.sem.Release(1)
		}
		return SystemBusy, fmt.Errorf("lock: write lease: %w", err)
	}

	l.mu.Lock()
	l.userActive[userID] = sessionID
	l.heldWeight[sessionID] = true
	l.mu.Unlock()

	return Acquired, nil
}

// userHasOtherActiveLease scans the durable lock table for a lease held by
// userID under a session other than sessionID that hasn't expired.
func (l *Lock) userHasOtherActiveLease(ctx context.Context, userID, sessionID string, ttl time.Duration, now time.Time) (bool, error) {
	busy := false
	err := l.store.Scan(ctx, []string{lockTablePrefix}, func(key string, data json.RawMessage) error {
		if key == sessionID {
			return nil
		}
		var row core.SessionLockRow
		if err := json.Unmarshal(data, &row); err != nil {
			return nil // tolerate corrupt rows: they are skipped by this scan
		}
		if row.UserID == userID && !row.Expired(ttl, now) {
			busy = true
		}
		return nil
	})
	return busy, err
}

// Release drops the lease row and the in-memory admission weight.
func (l *Lock) Release(ctx context.Context, sessionID, userID string) error {
	rm := l.rowLock(sessionID)
	rm.Lock()
	defer rm.Unlock()

	l.mu.Lock()
	if l.userActive[userID] == sessionID {
		delete(l.userActive, userID)
	}
	held := l.heldWeight[sessionID]
	delete(l.heldWeight, sessionID)
	l.mu.Unlock()

	if held {
		l.sem.Release(1)
	}

	if err := l.store.Delete(ctx, []string{lockTablePrefix, sessionID}); err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}

// Heartbeat renews the lease row's heartbeat_at. Called by the orchestrator's
// heartbeat task every ttl/3 while a session runs.
func (l *Lock) Heartbeat(ctx context.Context, sessionID, userID string) error {
	rm := l.rowLock(sessionID)
	rm.Lock()
	defer rm.Unlock()

	var row core.SessionLockRow
	if err := l.store.Get(ctx, []string{lockTablePrefix, sessionID}, &row); err != nil {
		return fmt.Errorf("lock: heartbeat read: %w", err)
	}
	if row.UserID != userID {
		return fmt.Errorf("lock: heartbeat: lease for %s no longer owned by %s", sessionID, userID)
	}
	row.HeartbeatAt = core.Now()
	return l.store.Put(ctx, []string{lockTablePrefix, sessionID}, row)
}

// StartHeartbeat spawns the heartbeat goroutine described in §4.2/§5:
// renews the lease every interval until ctx is done or the returned stop
// func is called. Failures are logged by the caller-supplied onError hook
// (spec: "heartbeat failures are logged; they do not surface to the
// client unless they lead to lock loss").
func (l *Lock) StartHeartbeat(ctx context.Context, sessionID, userID string, interval time.Duration, onError func(error)) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := l.Heartbeat(hbCtx, sessionID, userID); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
	return cancel
}
