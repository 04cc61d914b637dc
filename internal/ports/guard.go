package ports

import (
	"context"
)

// GuardPort serializes shared-state mutation. Acquire blocks until the
// caller holds the key's slot or ctx is done; the returned release
// function must be called exactly once on every exit path. Waiters are
// admitted in arrival order and independent keys never block each other.
type GuardPort interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// GuardKeyGlobal is the default key for callers that need a single
// process-wide critical section.
const GuardKeyGlobal = "global"
