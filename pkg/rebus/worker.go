package rebus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// worker is one polling loop: receive under the bus's receive bottleneck,
// dispatch under the worker bottleneck, commit or abort, repeat. Several
// workers may run concurrently against the same Bus (cfg.NumberOfWorkers),
// the generalization of the teacher's per-connection read-loop goroutine
// (_teacherref/broker.go's handleResps) to "one goroutine per configured
// worker slot".
type worker struct {
	bus *Bus
	id  int
	wg  sync.WaitGroup
}

func newWorker(bus *Bus, id int) *worker {
	return &worker{bus: bus, id: id}
}

func (w *worker) start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

func (w *worker) wait() {
	w.wg.Wait()
}

// emptyQueueBackoff is the exponential backoff applied between Receive
// attempts that return ErrNoMessage, per spec.md §4.F: starts at 10ms,
// doubles, caps at 1s, resets to 10ms the moment a message is found.
const (
	minEmptyQueueBackoff = 10 * time.Millisecond
	maxEmptyQueueBackoff = 1 * time.Second
)

func (w *worker) run(ctx context.Context) {
	backoff := minEmptyQueueBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok, err := w.tick(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.bus.cfg.Logger.Log(LogLevelError, "worker tick failed", "worker", w.id, "err", err)
		}

		if ok {
			backoff = minEmptyQueueBackoff
			continue
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxEmptyQueueBackoff {
			backoff = maxEmptyQueueBackoff
		}
	}
}

// tick performs exactly one receive-dispatch-commit cycle. It returns
// ok=true if a message was received (regardless of whether handling it
// ultimately succeeded), so the caller can reset its backoff. A poison
// message that the transport dead-letters on receive comes back as
// ErrNoMessage, so that cycle counts as an empty queue.
func (w *worker) tick(ctx context.Context) (ok bool, err error) {
	recvToken, err := w.bus.receiveBottleneck.Enter(ctx)
	if err != nil {
		return false, err
	}

	tx := NewTransactionContext()
	tm, err := w.bus.transport.Receive(ctx, tx)
	recvToken.Release()

	if err != nil {
		tx.Dispose()
		if errors.Is(err, ErrNoMessage) {
			return false, nil
		}
		return false, err
	}

	workToken, err := w.bus.workerBottleneck.Enter(ctx)
	if err != nil {
		tx.Abort()
		tx.Dispose()
		return true, err
	}
	defer workToken.Release()

	sc := newStepContext()
	sc.set(stepKeyTransaction, tx)
	sc.set(stepKeyTransportMessage, tm)

	dispatchErr := w.bus.incoming.Run(ctx, sc)
	if dispatchErr != nil {
		w.bus.cfg.Logger.Log(LogLevelDebug, "incoming pipeline failed", "worker", w.id, "err", dispatchErr, "dump", sc.snapshotForLog())
		if abortErr := tx.Abort(); abortErr != nil && !errors.Is(abortErr, ErrTransactionTerminal) {
			w.bus.cfg.Logger.Log(LogLevelError, "abort failed", "worker", w.id, "err", abortErr)
		}
		w.bus.cfg.Hooks.each(func(h Hook) {
			if h, ok := h.(TransactionAbortedHook); ok {
				h.OnTransactionAborted(tx, dispatchErr)
			}
		})
		tx.Dispose()
		return true, dispatchErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		w.bus.cfg.Logger.Log(LogLevelError, "commit failed", "worker", w.id, "err", commitErr)
		tx.Dispose()
		return true, commitErr
	}
	w.bus.cfg.Hooks.each(func(h Hook) {
		if h, ok := h.(TransactionCommittedHook); ok {
			h.OnTransactionCommitted(tx)
		}
	})
	tx.Dispose()
	return true, nil
}

// snapshotForLog returns a plain map suitable for spew-dumping at debug
// level when a pipeline step fails — StdLogger's one use of
// github.com/davecgh/go-spew (logging.go).
func (c *StepContext) snapshotForLog() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.items))
	for k, v := range c.items {
		out[string(k)] = v
	}
	return out
}
