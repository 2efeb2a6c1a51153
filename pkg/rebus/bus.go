package rebus

import (
	"context"
	"fmt"
	"time"
)

// Bus wires every component into the send/handle/start/stop surface
// described across spec.md §4: a transport, a serializer, a router, a
// saga store (optionally wrapped for idempotent replay), a timeout
// manager, and the canonical incoming/outgoing pipelines built from
// incoming_steps.go / outgoing_steps.go.
type Bus struct {
	cfg *Config

	transport     Transport
	serializer    Serializer
	router        Router
	subscriptions Subscriptions
	sagaStore     SagaStore
	idempotent    *IdempotentSagaStore
	timeouts      TimeoutManager
	handlers      *HandlerRegistry

	incoming *IncomingPipeline
	outgoing *OutgoingPipeline

	workerBottleneck  *Bottleneck
	receiveBottleneck *Bottleneck

	workers       []*worker
	timeoutWorker *TimeoutWorker

	cancel context.CancelFunc
}

// NewBus assembles a Bus. timeouts may be nil if deferred messages are
// never used; subscriptions may be nil if router does not delegate to
// one.
func NewBus(cfg *Config, transport Transport, serializer Serializer, router Router, subscriptions Subscriptions, sagaStore SagaStore, timeouts TimeoutManager, handlers *HandlerRegistry) *Bus {
	if cfg == nil {
		cfg = NewConfig()
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}

	b := &Bus{
		cfg:               cfg,
		transport:         transport,
		serializer:        serializer,
		router:            router,
		subscriptions:     subscriptions,
		sagaStore:         sagaStore,
		timeouts:          timeouts,
		handlers:          handlers,
		workerBottleneck:  NewBottleneck(cfg.MaxParallelism),
		receiveBottleneck: NewBottleneck(cfg.ReceiveParallelism),
	}

	if cfg.IdempotentSagas && sagaStore != nil {
		b.idempotent = NewIdempotentSagaStore(sagaStore)
	}

	incomingSteps := []IncomingStep{&DeserializeStep{Serializer: serializer}}
	if timeouts != nil {
		incomingSteps = append(incomingSteps, &HandleDeferredMessagesStep{Timeouts: timeouts})
	}
	incomingSteps = append(incomingSteps, &ActivateHandlersStep{Handlers: handlers})
	if sagaStore != nil {
		storeForLoad := sagaStore
		if b.idempotent != nil {
			storeForLoad = b.idempotent.Wrapped()
		}
		incomingSteps = append(incomingSteps, &LoadSagaDataStep{Store: storeForLoad})
	}
	incomingSteps = append(incomingSteps, &DispatchIncomingMessageStep{Idempotent: b.idempotent, Transport: transport})
	if sagaStore != nil {
		storeForSave := sagaStore
		if b.idempotent != nil {
			storeForSave = b.idempotent.Wrapped()
		}
		incomingSteps = append(incomingSteps, &SaveSagaDataStep{Store: storeForSave, Idempotent: b.idempotent, Hooks: cfg.Hooks})
	}
	b.incoming = NewIncomingPipeline(incomingSteps...)

	b.outgoing = NewOutgoingPipeline(
		&AssignDefaultHeadersStep{},
		&AutoCorrelateStep{},
		&SerializeStep{Serializer: serializer},
		&SendOutgoingMessageStep{Transport: transport},
	)

	if timeouts != nil {
		b.timeoutWorker = NewTimeoutWorker(timeouts, transport, cfg.TimeoutPollInterval, cfg.Logger)
	}

	return b
}

// newOutgoingContext builds the StepContext an outgoing pipeline run needs:
// the destination/empty-bodied OutgoingMessage, the logical message to
// serialize, the owning transaction, and — when sent from within a
// handler — the ambient incoming TransportMessage so AutoCorrelateStep can
// see it.
func (b *Bus) newOutgoingContext(tx *TransactionContext, incoming *TransportMessage, destination string, body interface{}, headers map[string]string) *StepContext {
	sc := newStepContext()
	sc.set(stepKeyTransaction, tx)
	if incoming != nil {
		sc.set(stepKeyTransportMessage, incoming)
	}
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	sc.set(stepKeyLogicalMessage, &LogicalMessage{Body: body, Headers: h})
	sc.set(stepKeyOutgoing, &OutgoingMessage{Destination: destination, Message: &TransportMessage{Headers: h}})
	return sc
}

// Send performs a standalone point-to-point send: destination is resolved
// via the router from the msgType argument, a fresh transaction
// is opened, committed immediately after the outgoing pipeline runs, and
// disposed. Use SendTo to bypass routing and name the destination
// directly, and SendInContext to buffer onto an in-flight handler's
// transaction instead of committing eagerly.
func (b *Bus) Send(ctx context.Context, msgType string, body interface{}, headers map[string]string) error {
	dest, err := b.router.RouteSend(msgType)
	if err != nil {
		return err
	}
	return b.SendTo(ctx, dest, body, headers)
}

// SendTo sends body directly to destination, bypassing router resolution.
func (b *Bus) SendTo(ctx context.Context, destination string, body interface{}, headers map[string]string) error {
	tx := NewTransactionContext()
	sc := b.newOutgoingContext(tx, nil, destination, body, headers)
	if err := b.outgoing.Run(ctx, sc); err != nil {
		tx.Abort()
		tx.Dispose()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Dispose()
		return err
	}
	return tx.Dispose()
}

// SendInContext buffers an outgoing send onto sc's transaction instead of
// opening a new one — the form handlers must use so their replies commit
// atomically with the inbound message's ack (spec.md §4.B).
func (b *Bus) SendInContext(sc *StepContext, destination string, body interface{}, headers map[string]string) error {
	tx := sc.Transaction()
	outSC := b.newOutgoingContext(tx, sc.TransportMessage(), destination, body, headers)
	return b.outgoing.Run(context.Background(), outSC)
}

// Publish resolves every subscriber of topic via the router and sends to
// each, opening one transaction per destination.
func (b *Bus) Publish(ctx context.Context, topic string, body interface{}, headers map[string]string) error {
	dests, err := b.router.RoutePublish(topic)
	if err != nil {
		return err
	}
	for _, dest := range dests {
		if err := b.SendTo(ctx, dest, body, headers); err != nil {
			return err
		}
	}
	return nil
}

// PublishInContext is Publish's in-handler counterpart, buffering onto
// sc's transaction.
func (b *Bus) PublishInContext(sc *StepContext, topic string, body interface{}, headers map[string]string) error {
	dests, err := b.router.RoutePublish(topic)
	if err != nil {
		return err
	}
	for _, dest := range dests {
		if err := b.SendInContext(sc, dest, body, headers); err != nil {
			return err
		}
	}
	return nil
}

// Reply sends body back to the rbs2-return-address of the message sc is
// currently handling, falling back to cfg.DefaultReturnAddress if the
// incoming message carries none.
func (b *Bus) Reply(sc *StepContext, body interface{}, headers map[string]string) error {
	incoming := sc.TransportMessage()
	if incoming == nil {
		return fmt.Errorf("rebus: Reply called outside an incoming message context")
	}
	dest := incoming.Headers[HeaderReturnAddress]
	if dest == "" {
		dest = b.cfg.DefaultReturnAddress
	}
	if dest == "" {
		return fmt.Errorf("rebus: no return address on message and no default configured")
	}
	return b.SendInContext(sc, dest, body, headers)
}

// Forward re-sends the raw, still-serialized TransportMessage sc is
// currently handling to destination unchanged — no deserialize/reserialize
// round trip — buffered onto the same transaction so it commits atomically
// with the inbound message's ack (spec.md §8 scenario 5).
func (b *Bus) Forward(sc *StepContext, destination string) error {
	incoming := sc.TransportMessage()
	if incoming == nil {
		return fmt.Errorf("rebus: Forward called outside an incoming message context")
	}
	return b.transport.Send(context.Background(), destination, incoming.Clone(), sc.Transaction())
}

// Defer parks body to be redelivered to destination at/after dueUtc,
// through the configured TimeoutManager (spec.md §4.J). Defer itself sets
// the rbs2-deferred-until header (dueUtc in RFC 3339 UTC) and the
// rbs2-defer-recipient header (destination) on a copy of headers before
// serializing; the outgoing pipeline is not run.
func (b *Bus) Defer(ctx context.Context, dueUtc time.Time, destination string, body interface{}, headers map[string]string) error {
	if b.timeouts == nil {
		return fmt.Errorf("rebus: no timeout manager configured")
	}
	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	h[HeaderDeferRecipient] = destination
	h[HeaderDeferredUntil] = dueUtc.UTC().Format(time.RFC3339Nano)

	logical := &LogicalMessage{Body: body, Headers: h}
	tm, err := b.serializer.Serialize(logical)
	if err != nil {
		return err
	}
	AssignDefaultHeaders(tm, time.Now())
	for k, v := range h {
		tm.Headers[k] = v
	}
	return b.timeouts.Defer(ctx, dueUtc, tm.Headers, tm.Body)
}

// RegisterType exposes the serializer's underlying TypeRegistry for typed
// message registration, when serializer is a *JSONSerializer. No-op
// (returns false) for any other Serializer implementation.
func (b *Bus) RegisterType(msgType string, zero func() interface{}) bool {
	js, ok := b.serializer.(*JSONSerializer)
	if !ok {
		return false
	}
	js.Types.Register(msgType, zero)
	return true
}

// Handlers returns the registry Start dispatches against, so callers can
// register handlers before calling Start.
func (b *Bus) Handlers() *HandlerRegistry { return b.handlers }

// Start launches cfg.NumberOfWorkers worker loops plus the timeout poller
// (if configured), all stopped together by Stop.
func (b *Bus) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if address := b.transport.Address(); address != "" {
		if err := b.transport.CreateQueue(runCtx, address); err != nil {
			cancel()
			return err
		}
	}

	for i := 0; i < b.cfg.NumberOfWorkers; i++ {
		w := newWorker(b, i)
		b.workers = append(b.workers, w)
		w.start(runCtx)
	}
	if b.timeoutWorker != nil {
		go b.timeoutWorker.Run(runCtx)
	}
	return nil
}

// Stop cancels every worker loop, waits for in-flight handler invocations
// to drain, and disposes the transport.
func (b *Bus) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.workerBottleneck.Close()
	b.receiveBottleneck.Close()
	for _, w := range b.workers {
		w.wait()
	}
	return b.transport.Dispose()
}
