package engine

import (
	"context"
	"sync"
	"time"
)

// Lease wraps a live Session with the usage metadata used to decide when it
// must be recycled.
type Lease struct {
	Session Session
	ID      int64

	maxUses int
	uses    int
	crashed bool
	created time.Time
	mu      sync.Mutex
}

// NewLease wraps s. The lease retires after maxUses recorded uses;
// maxUses < 1 is treated as 1.
func NewLease(id int64, s Session, maxUses int) *Lease {
	if maxUses < 1 {
		maxUses = 1
	}
	return &Lease{Session: s, ID: id, maxUses: maxUses, created: time.Now()}
}

// RecordUse counts one completed unit of work. A browser-level failure
// retires the lease immediately.
func (l *Lease) RecordUse(crashed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.uses++
	if crashed {
		l.crashed = true
	}
}

// ShouldRetire reports whether the session has served its quota or crashed.
func (l *Lease) ShouldRetire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.crashed || l.uses >= l.maxUses
}

// Uses returns the number of recorded uses.
func (l *Lease) Uses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uses
}

// Age returns how long the lease has existed.
func (l *Lease) Age() time.Duration { return time.Since(l.created) }

// Release saves cookies through cf (when non-nil) and closes the session.
func (l *Lease) Release(ctx context.Context, cf *CookieFile) error {
	if cf != nil {
		cf.Persist(ctx, l.Session)
	}
	return l.Session.Close()
}
