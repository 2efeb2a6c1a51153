package rebus

import (
	"context"
	"sync/atomic"
)

// DefaultWorkerBottleneckLimit and DefaultReceiveBottleneckLimit are the
// spec.md §4.E default admission limits: 20 concurrent in-flight handler
// invocations system-wide, 10 concurrent broker receive calls.
const (
	DefaultWorkerBottleneckLimit  = 20
	DefaultReceiveBottleneckLimit = 10
)

// Bottleneck is a bounded concurrent admission gate: Enter blocks until
// the in-flight count is below limit, returning a token whose Release
// must be called exactly once on every exit path. The implementation is
// a buffered-channel semaphore, the natural generalization of the
// teacher's bounded `reqs chan promisedReq` queue
// (_teacherref/broker.go) from "bounded pending requests" to "bounded
// concurrent admissions".
type Bottleneck struct {
	sem  chan struct{}
	dead int32
}

// NewBottleneck returns a Bottleneck admitting at most limit concurrent
// holders. limit <= 0 is treated as 1.
func NewBottleneck(limit int) *Bottleneck {
	if limit <= 0 {
		limit = 1
	}
	return &Bottleneck{sem: make(chan struct{}, limit)}
}

// Token is returned by Enter; Release must be called exactly once.
type Token struct {
	b        *Bottleneck
	released int32
}

// Release returns the token's slot to the bottleneck. Safe to call more
// than once; only the first call has effect.
func (t *Token) Release() {
	if t == nil || t.b == nil {
		return
	}
	if atomic.SwapInt32(&t.released, 1) == 1 {
		return
	}
	<-t.b.sem
}

// Enter blocks until a slot is available or ctx is canceled. Once the
// bottleneck has been closed via Close, Enter returns ErrTransportDead
// immediately — reusing that sentinel since a closed bottleneck signals
// the same thing a dead transport does: stop admitting new work.
func (b *Bottleneck) Enter(ctx context.Context) (*Token, error) {
	if atomic.LoadInt32(&b.dead) == 1 {
		return nil, ErrTransportDead
	}
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if atomic.LoadInt32(&b.dead) == 1 {
		<-b.sem
		return nil, ErrTransportDead
	}
	return &Token{b: b}, nil
}

// Close marks the bottleneck dead; outstanding tokens remain valid and
// must still be Released, but no further Enter call will succeed.
func (b *Bottleneck) Close() {
	atomic.StoreInt32(&b.dead, 1)
}

// InFlight returns the current number of held tokens. Useful for tests
// and metrics; not used for admission decisions.
func (b *Bottleneck) InFlight() int {
	return len(b.sem)
}
