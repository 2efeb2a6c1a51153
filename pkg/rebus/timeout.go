package rebus

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// TimeoutManager is the contract from spec.md §4.J: Defer parks a
// message until dueUtc, GetDueMessages returns a leased snapshot of
// everything due "now", and each returned DueMessage must be
// individually marked complete or it returns to the pool when the scope
// is disposed.
type TimeoutManager interface {
	Defer(ctx context.Context, dueUtc time.Time, headers map[string]string, body []byte) error
	// GetDueMessages returns a DueBatch: a snapshot-with-lease. Rows are
	// hidden from other callers until the batch is disposed; rows not
	// marked completed return to the pool on dispose.
	GetDueMessages(ctx context.Context, now time.Time) (*DueBatch, error)
}

// DueMessage is a single row from the timeout store, due at or before
// the GetDueMessages call's "now".
type DueMessage struct {
	Headers map[string]string
	Body    []byte

	completed bool
	row       *dueRow
}

// MarkAsCompleted records that this row's message was successfully
// redelivered; on DueBatch.Dispose it will be deleted rather than
// returned to the pool.
func (d *DueMessage) MarkAsCompleted() { d.completed = true }

// DueBatch is the scoped lease returned by GetDueMessages.
type DueBatch struct {
	store    *InMemoryTimeoutStore
	messages []*DueMessage
}

// Messages returns the due messages in this batch.
func (b *DueBatch) Messages() []*DueMessage { return b.messages }

// Dispose releases the lease: rows marked completed are deleted, the
// rest become visible again to future GetDueMessages calls.
func (b *DueBatch) Dispose() {
	b.store.release(b.messages)
}

// dueRow is the timeout store's persisted record — (due-time, headers,
// body, completed-flag) per spec.md §3.
type dueRow struct {
	dueUtc  time.Time
	seq     uint64
	headers map[string]string
	body    []byte

	leased    bool
	completed bool

	heapIndex int
}

// dueHeap is a container/heap min-heap ordered by (dueUtc, seq), keeping
// the due-message index a bounded O(log n) structure instead of a linear
// scan over every deferred row (SPEC_FULL.md §4.J). A row leaves the heap
// when it is popped into a batch; release pushes it back only if it was
// not marked completed, and drops it otherwise.
type dueHeap []*dueRow

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if h[i].dueUtc.Equal(h[j].dueUtc) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueUtc.Before(h[j].dueUtc)
}
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *dueHeap) Push(x interface{}) {
	row := x.(*dueRow)
	row.heapIndex = len(*h)
	*h = append(*h, row)
}
func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	row := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return row
}

// InMemoryTimeoutStore is the reference TimeoutManager: a due-time
// min-heap so GetDueMessages only visits rows that are actually due
// rather than scanning the whole deferred set.
type InMemoryTimeoutStore struct {
	mu   sync.Mutex
	heap dueHeap
	seq  uint64
}

// NewInMemoryTimeoutStore returns an empty store.
func NewInMemoryTimeoutStore() *InMemoryTimeoutStore {
	s := &InMemoryTimeoutStore{}
	heap.Init(&s.heap)
	return s
}

func (s *InMemoryTimeoutStore) Defer(ctx context.Context, dueUtc time.Time, headers map[string]string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	row := &dueRow{dueUtc: dueUtc, seq: s.seq, headers: cloneHeaders(headers), body: append([]byte(nil), body...)}
	heap.Push(&s.heap, row)
	return nil
}

// GetDueMessages pops every row whose dueUtc <= now off the heap,
// leasing each one, and pushes back any that turn out to still be in
// the future... which cannot happen since the heap is ordered, so it
// simply stops at the first row whose dueUtc is after now.
func (s *InMemoryTimeoutStore) GetDueMessages(ctx context.Context, now time.Time) (*DueBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*DueMessage
	var skipped []*dueRow
	for s.heap.Len() > 0 {
		row := s.heap[0]
		if row.dueUtc.After(now) {
			break
		}
		heap.Pop(&s.heap)
		if row.leased || row.completed {
			// Shouldn't normally happen (leased rows are out of the
			// heap via pop-on-lease below), but guards against reentrant
			// calls while a previous batch is still outstanding.
			skipped = append(skipped, row)
			continue
		}
		row.leased = true
		due = append(due, &DueMessage{Headers: cloneHeaders(row.headers), Body: row.body, row: row})
	}
	for _, row := range skipped {
		heap.Push(&s.heap, row)
	}
	return &DueBatch{store: s, messages: due}, nil
}

// release is called by DueBatch.Dispose: completed rows are dropped for
// good, the rest are pushed back onto the heap so they become visible
// to the next GetDueMessages call.
func (s *InMemoryTimeoutStore) release(msgs []*DueMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		m.row.leased = false
		if m.completed {
			m.row.completed = true
			continue
		}
		heap.Push(&s.heap, m.row)
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

var _ TimeoutManager = (*InMemoryTimeoutStore)(nil)
var _ heap.Interface = (*dueHeap)(nil)

// TimeoutWorker is the background poller described in spec.md §4.J: it
// calls GetDueMessages at a fixed interval, re-sends each due message to
// its rbs2-defer-recipient via transport, then marks it complete.
type TimeoutWorker struct {
	Store     TimeoutManager
	Transport Transport
	Interval  time.Duration
	Logger    Logger
}

// NewTimeoutWorker returns a worker polling store every interval (100ms
// if interval <= 0).
func NewTimeoutWorker(store TimeoutManager, transport Transport, interval time.Duration, logger Logger) *TimeoutWorker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &TimeoutWorker{Store: store, Transport: transport, Interval: interval, Logger: logger}
}

// Run polls until ctx is canceled.
func (w *TimeoutWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.poll(ctx, now)
		}
	}
}

func (w *TimeoutWorker) poll(ctx context.Context, now time.Time) {
	batch, err := w.Store.GetDueMessages(ctx, now)
	if err != nil {
		w.Logger.Log(LogLevelError, "failed to poll due messages", "err", err)
		return
	}
	defer batch.Dispose()

	for _, due := range batch.Messages() {
		recipient := due.Headers[HeaderDeferRecipient]
		if recipient == "" {
			w.Logger.Log(LogLevelWarn, "due message missing defer recipient, dropping", "msg-id", due.Headers[HeaderMessageID])
			due.MarkAsCompleted()
			continue
		}
		tx := NewTransactionContext()
		if err := w.Transport.Send(ctx, recipient, &TransportMessage{Headers: due.Headers, Body: due.Body}, tx); err != nil {
			w.Logger.Log(LogLevelError, "failed to re-send due message", "err", err)
			continue
		}
		if err := tx.Commit(); err != nil {
			w.Logger.Log(LogLevelError, "failed to commit due message redelivery", "err", err)
			continue
		}
		tx.Dispose()
		due.MarkAsCompleted()
	}
}
