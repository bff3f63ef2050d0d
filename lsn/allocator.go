// Package lsn implements C1, the LSN allocator: a single mutex-guarded
// operation assigning monotonically increasing 64-bit log-sequence
// numbers (spec.md §3 "LSN", §4.1).
package lsn

import (
	"sync"
	"time"

	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// Allocator hands out strictly monotonic LSNs. The zero value is not
// usable; construct with New.
type Allocator struct {
	mu   sync.Mutex
	last uint64
}

// New seeds an allocator. Per spec.md §3, the initial seed is
// current-time-in-ms × 10^6 so LSNs stay roughly clock-aligned but never
// regress across restarts as long as the wall clock doesn't regress.
func New() *Allocator {
	return &Allocator{last: seed()}
}

// Restore seeds an allocator so that the next LSN it hands out exceeds
// every LSN recovery observed in the log (P1: "after restart, next()
// > max(lsn(r) for r in log)"). Pass the highest LSN found during
// recovery; 0 if the log was empty.
func Restore(highestObserved walrecord.LSN) *Allocator {
	a := &Allocator{last: seed()}
	if uint64(highestObserved) >= a.last {
		a.last = uint64(highestObserved)
	}
	return a
}

func seed() uint64 {
	return uint64(time.Now().UnixMilli()) * 1_000_000
}

// Next returns a new LSN strictly greater than every LSN previously
// returned by this allocator, across all callers.
func (a *Allocator) Next() walrecord.LSN {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := seed()
	next := a.last + 1
	if now > next {
		next = now
	}
	a.last = next
	return walrecord.LSN(next)
}
