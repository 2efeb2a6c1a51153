package rebus

import "sync"

// IdempotencyData is the bookkeeping record from spec.md §4.L: the set
// of inbound message ids already processed by a saga, and the outbound
// messages produced the first time each one was handled. On redelivery
// of an already-processed message id, the handler does not re-run; the
// recorded outgoing messages are re-sent verbatim instead, on every such
// redelivery, so the handler's side effects run once per logical message
// while its outgoing messages may reach downstream more than once.
type IdempotencyData struct {
	ProcessedMessageIDs map[string]struct{}
	OutgoingByMessageID map[string][]OutgoingMessage
}

func newIdempotencyData() *IdempotencyData {
	return &IdempotencyData{
		ProcessedMessageIDs: make(map[string]struct{}),
		OutgoingByMessageID: make(map[string][]OutgoingMessage),
	}
}

// alreadyProcessed reports whether msgID was recorded by a prior
// invocation.
func (d *IdempotencyData) alreadyProcessed(msgID string) bool {
	_, ok := d.ProcessedMessageIDs[msgID]
	return ok
}

// record stores msgID as processed along with the outgoing messages the
// handler produced while processing it. Storing the raw wire-format
// TransportMessage (rather than re-serializing logical messages on
// replay) is a deliberate trade-off — see DESIGN.md "Open-question
// decisions".
//
// This map is process-local and is not part of any SagaStore.Insert/
// Update call, so it does not survive a process restart the way a
// persisted saga row would. spec.md §3 describes IdempotencyData as
// embedded in the saga data record itself; doing that generically
// would require every SagaStore implementation (relational, in-memory,
// or otherwise) to round-trip an extra field through Insert/Update on
// the core's behalf, which the SagaStore contract in spec.md §4.K does
// not provide a hook for. The trade-off accepted here: redelivery
// dedup is reliable only within a single running Bus process. A
// SagaStore backed by durable storage should instead persist
// IdempotencyData as a field on its own SagaData type and have its
// handler read/write it directly inside Handle, bypassing this wrapper
// entirely.
func (d *IdempotencyData) record(msgID string, outgoing []OutgoingMessage) {
	d.ProcessedMessageIDs[msgID] = struct{}{}
	if len(outgoing) > 0 {
		d.OutgoingByMessageID[msgID] = outgoing
	}
}

// IdempotentSagaStore wraps a SagaStore so that a saga handler marked
// idempotent (spec.md §4.L) never re-executes Handle for a message id
// it has already processed to completion; instead the pipeline replays
// the previously recorded outgoing messages. The wrapped store's
// correlation semantics are untouched — idempotency is layered purely
// on top, keyed by saga id, in a process-local map rather than inside
// the persisted SagaData itself (see DESIGN.md "Idempotency bookkeeping
// location" for why, and its durability consequence).
type IdempotentSagaStore struct {
	inner SagaStore

	mu    sync.Mutex
	idemp map[string]*IdempotencyData // sagaID -> bookkeeping
}

// NewIdempotentSagaStore wraps inner.
func NewIdempotentSagaStore(inner SagaStore) *IdempotentSagaStore {
	return &IdempotentSagaStore{inner: inner, idemp: make(map[string]*IdempotencyData)}
}

// Wrapped returns the underlying SagaStore for Find/Insert/Update/Delete
// calls driven by LoadSagaDataStep/SaveSagaDataStep; idempotency state is
// consulted separately via ShouldSkip/RecordOutcome keyed on saga id.
func (s *IdempotentSagaStore) Wrapped() SagaStore { return s.inner }

// ShouldSkip reports whether msgID was already processed for the saga
// identified by sagaID, and if so returns the outgoing messages to
// replay instead of invoking the handler again.
func (s *IdempotentSagaStore) ShouldSkip(sagaID, msgID string) (skip bool, replay []OutgoingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.idemp[sagaID]
	if !ok {
		return false, nil
	}
	if !data.alreadyProcessed(msgID) {
		return false, nil
	}
	return true, data.OutgoingByMessageID[msgID]
}

// RecordOutcome stores msgID as processed for sagaID along with the
// outgoing messages produced while handling it. Called once per
// successful (non-replayed) Handle invocation, from an OnCommitted
// callback that DispatchIncomingMessageStep registers, so the record is
// made only once the transaction (saga row and outbox) has committed.
func (s *IdempotentSagaStore) RecordOutcome(sagaID, msgID string, outgoing []OutgoingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.idemp[sagaID]
	if !ok {
		data = newIdempotencyData()
		s.idemp[sagaID] = data
	}
	data.record(msgID, outgoing)
}

// Forget drops all idempotency bookkeeping for sagaID, called when a
// saga completes (MarkAsComplete) and its row is deleted — there is no
// reason to keep replay state for a saga instance that can never be
// correlated to again.
func (s *IdempotentSagaStore) Forget(sagaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idemp, sagaID)
}
