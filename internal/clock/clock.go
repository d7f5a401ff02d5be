// Package clock provides injectable time and identifier sources.
//
// The engine tie-breaks resting orders on (price, createdAt, id), so tests
// need to drive timestamps deterministically; production code uses a wall
// clock that is guaranteed never to step backwards even if the system
// clock does.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies monotonically non-decreasing timestamps.
type Clock interface {
	Now() time.Time
}

// IDSource supplies collision-free opaque identifiers. Lexical order of
// the returned IDs carries no meaning; ties at identical timestamps are
// broken by comparing them lexicographically, which only needs them to be
// distinct and deterministic.
type IDSource interface {
	NewID() string
}

// System is the production Clock + IDSource: wall time clamped to be
// non-decreasing, and random UUIDv4 identifiers.
type System struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystem returns a monotonic wall clock.
func NewSystem() *System { return &System{} }

// Now returns the current time, clamped so that successive calls never go
// backwards (NTP steps, leap smearing).
func (s *System) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

// NewID returns a random UUID string.
func (s *System) NewID() string { return uuid.New().String() }

// Fake is a deterministic Clock + IDSource for tests. Time starts at a
// fixed instant and only moves when advanced; IDs are sequential.
type Fake struct {
	mu  sync.Mutex
	now time.Time
	seq int
}

// NewFake returns a fake clock starting at t.
func NewFake(t time.Time) *Fake { return &Fake{now: t} }

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// NewID returns "id-000001", "id-000002", ... in call order.
func (f *Fake) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmtID(f.seq)
}

func fmtID(n int) string {
	const digits = "0123456789"
	buf := []byte("id-000000")
	for i := len(buf) - 1; n > 0 && i >= 3; i-- {
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf)
}
