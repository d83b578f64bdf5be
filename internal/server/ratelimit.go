package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an owner's limiter survives without writes.
const idleLimiterTTL = 10 * time.Minute

type ownerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ownerLimiter rate-limits queue writes per owner. A zero rate disables it.
type ownerLimiter struct {
	mutex   sync.Mutex
	limit   rate.Limit
	burst   int
	owners  map[string]*ownerEntry
	now     func() time.Time
	lastGC  time.Time
	enabled bool
}

func newOwnerLimiter(perSecond float64, burst int) *ownerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ownerLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		owners:  make(map[string]*ownerEntry),
		now:     time.Now,
		enabled: perSecond > 0,
	}
}

// Allow reports whether owner may write now and, if not, how long to wait.
func (l *ownerLimiter) Allow(owner string) (bool, time.Duration) {
	if !l.enabled {
		return true, 0
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.now()
	l.collect(now)

	entry, ok := l.owners[owner]
	if !ok {
		entry = &ownerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.owners[owner] = entry
	}
	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// collect drops limiters of owners idle for idleLimiterTTL (lock held)
func (l *ownerLimiter) collect(now time.Time) {
	if now.Sub(l.lastGC) < idleLimiterTTL {
		return
	}
	l.lastGC = now
	for owner, entry := range l.owners {
		if now.Sub(entry.lastSeen) > idleLimiterTTL {
			delete(l.owners, owner)
		}
	}
}
