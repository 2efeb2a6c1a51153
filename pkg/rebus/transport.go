package rebus

import "context"

// outboxKey is the TransactionContext item-bag key under which outgoing
// messages are buffered until commit, per spec.md §4.A: "messages are
// buffered on the transaction context under key outgoing-messages keyed
// by destination; no I/O occurs until tx.onCommitted fires".
const outboxKey = "outgoing-messages"

// outbox is a destination -> pending messages map, created lazily via
// TransactionContext.GetOrAdd.
type outbox struct {
	byDestination map[string][]*TransportMessage
}

func newOutbox() interface{} {
	return &outbox{byDestination: make(map[string][]*TransportMessage)}
}

func getOutbox(tx *TransactionContext) *outbox {
	return tx.GetOrAdd(outboxKey, newOutbox).(*outbox)
}

// ReceiveMode encodes the mutual exclusion from spec.md §9 ("Prefetch vs.
// lock-renewal mutual exclusion"): a transport either renews its
// peek-lock on long-running handlers, prefetches a batch under the
// assumption handlers are short, or does neither.
type ReceiveMode struct {
	kind     receiveModeKind
	prefetch int
}

type receiveModeKind uint8

const (
	receiveModePlain receiveModeKind = iota
	receiveModeRenewOnLease
	receiveModePrefetch
)

// ReceiveModePlain performs neither lock renewal nor prefetching.
func ReceiveModePlain() ReceiveMode { return ReceiveMode{kind: receiveModePlain} }

// ReceiveModeRenewOnLease runs a background renewal task at 80% of the
// observed lease interval until the transaction ends.
func ReceiveModeRenewOnLease() ReceiveMode { return ReceiveMode{kind: receiveModeRenewOnLease} }

// ReceiveModePrefetch enables local prefetching of up to n messages.
func ReceiveModePrefetch(n int) ReceiveMode {
	return ReceiveMode{kind: receiveModePrefetch, prefetch: n}
}

// Transport is the transactional receive contract every concrete broker
// driver (cloud queue, SQL-backed queue, in-memory test network) must
// satisfy. Send buffers onto tx's outbox; actual I/O happens on commit.
// Receive implements peek-lock semantics: the returned message is
// invisible to other consumers until tx commits (ack) or aborts (nack,
// immediately re-deliverable).
type Transport interface {
	// CreateQueue ensures a queue/destination named address exists.
	CreateQueue(ctx context.Context, address string) error

	// Send buffers msg for destination on tx; see outbox semantics
	// above. The transport registers its flush via tx.OnCommitted
	// before Send returns.
	Send(ctx context.Context, destination string, msg *TransportMessage, tx *TransactionContext) error

	// Receive returns the next available message under tx's peek-lock,
	// or ErrNoMessage if none is currently available. The transport
	// registers ack/abandon via tx.OnCommitted/tx.OnAborted before
	// returning.
	Receive(ctx context.Context, tx *TransactionContext) (*TransportMessage, error)

	// Address returns this endpoint's own queue address, or "" for a
	// send-only endpoint.
	Address() string

	// Dispose releases all resources. Any prefetched-but-unhandled
	// messages must be abandoned (spec.md §4.A).
	Dispose() error
}

// flushOutbox is called by a transport's own OnCommitted registration (or
// by a test harness) to actually deliver everything buffered on tx. send
// is the transport's low-level per-destination send function, already
// wrapped in whatever Retrier the transport uses. Each destination is
// removed from the outbox once its messages are sent, so a transaction
// that registered several flushes (one per Send) delivers every message
// once.
func flushOutbox(tx *TransactionContext, send func(destination string, msgs []*TransportMessage) error) error {
	ob := getOutbox(tx)
	for dest, msgs := range ob.byDestination {
		if err := send(dest, msgs); err != nil {
			return err
		}
		delete(ob.byDestination, dest)
	}
	return nil
}

// bufferSend appends msg to tx's outbox for destination. Transports call
// this from their Send implementation instead of writing to the wire
// directly.
func bufferSend(tx *TransactionContext, destination string, msg *TransportMessage) {
	ob := getOutbox(tx)
	ob.byDestination[destination] = append(ob.byDestination[destination], msg)
}
