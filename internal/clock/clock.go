// Package clock provides server-authoritative time and unique id minting.
package clock

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// System is the production clock. Now returns UTC with sub-second precision.
type System struct{}

// Now returns the current UTC instant.
func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a test clock pinned to an instant, advanced explicitly.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixed returns a Fixed clock at t (normalized to UTC).
func NewFixed(t time.Time) *Fixed { return &Fixed{t: t.UTC()} }

// Now returns the pinned instant.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the pinned instant forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

var entropyPool = sync.Pool{
	New: func() any { return ulid.Monotonic(rand.Reader, 0) },
}

// NewID mints a ULID document id: globally unique, lexicographically sorted
// by creation time, URL safe.
func NewID() string {
	e := entropyPool.Get().(*ulid.MonotonicEntropy)
	defer entropyPool.Put(e)
	id, err := ulid.New(ulid.Timestamp(time.Now()), e)
	if err != nil {
		// crypto/rand exhaustion is not recoverable here
		return uuid.NewString()
	}
	return id.String()
}

// NewEtag mints an opaque ETag value.
func NewEtag() string { return uuid.NewString() }
