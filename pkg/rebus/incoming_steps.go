package rebus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handler is invoked once per logical message by DispatchIncomingMessageStep.
// SagaHandler additionally implements the saga lifecycle methods; a plain
// Handler is dispatched directly with no correlation lookup.
type Handler interface {
	Handle(ctx *StepContext, msg *LogicalMessage) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx *StepContext, msg *LogicalMessage) error

func (f HandlerFunc) Handle(ctx *StepContext, msg *LogicalMessage) error { return f(ctx, msg) }

// HandlerFactory produces a fresh Handler instance for a single message
// invocation — sagas need per-message state (their attached SagaInstance),
// so handlers are never shared across concurrent invocations.
type HandlerFactory func() Handler

// HandlerRegistry maps a message type (or "" for the dynamic/untyped
// fallback) to the ordered list of handler factories that should run for
// it, per spec.md §4.C "ActivateHandlersStep resolves every registered
// handler for the message's type".
type HandlerRegistry struct {
	byType map[string][]HandlerFactory
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byType: make(map[string][]HandlerFactory)}
}

// Register adds factory to the list invoked for msgType.
func (r *HandlerRegistry) Register(msgType string, factory HandlerFactory) *HandlerRegistry {
	r.byType[msgType] = append(r.byType[msgType], factory)
	return r
}

func (r *HandlerRegistry) resolve(msgType string) []HandlerFactory {
	return r.byType[msgType]
}

// activatedHandler pairs a resolved Handler with the SagaHandler view of
// it, if any, so later steps don't need repeated type assertions.
type activatedHandler struct {
	handler Handler
	saga    SagaHandler
}

// DeserializeStep is the first incoming step: turns the raw
// TransportMessage into a LogicalMessage via serializer, storing it on the
// StepContext for every subsequent step.
type DeserializeStep struct {
	Serializer Serializer
}

func (s *DeserializeStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	tm := sc.TransportMessage()
	msg, err := s.Serializer.Deserialize(tm)
	if err != nil {
		return err
	}
	sc.set(stepKeyLogicalMessage, msg)
	return next(ctx, sc)
}

// HandleDeferredMessagesStep intercepts messages whose rbs2-deferred-until
// lies in the future: rather than dispatching them to handlers, it parks
// them in the TimeoutManager until their due time and does not call next,
// per spec.md §4.J — the message is acked here (the transaction still
// commits normally) but never reaches ActivateHandlersStep. A message
// whose due time has already passed continues down the pipeline.
type HandleDeferredMessagesStep struct {
	Timeouts TimeoutManager
}

func (s *HandleDeferredMessagesStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	tm := sc.TransportMessage()
	dueRaw, ok := tm.Headers[HeaderDeferredUntil]
	if !ok || dueRaw == "" {
		return next(ctx, sc)
	}

	due, err := time.Parse(time.RFC3339Nano, dueRaw)
	if err != nil {
		return &FormatError{Err: fmt.Errorf("invalid %s header: %w", HeaderDeferredUntil, err)}
	}
	if !due.After(time.Now()) {
		return next(ctx, sc)
	}

	headers := make(map[string]string, len(tm.Headers))
	for k, v := range tm.Headers {
		headers[k] = v
	}
	delete(headers, HeaderDeferredUntil)

	return s.Timeouts.Defer(ctx, due, headers, tm.Body)
}

// ActivateHandlersStep resolves every Handler registered for the message's
// type (or the "" dynamic fallback if the message carries no
// rbs2-msg-type), storing the resolved list for LoadSagaDataStep and
// DispatchIncomingMessageStep.
type ActivateHandlersStep struct {
	Handlers *HandlerRegistry
}

func (s *ActivateHandlersStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	msg := sc.LogicalMessage()
	factories := s.Handlers.resolve(msg.MessageType())

	activated := make([]*activatedHandler, 0, len(factories))
	for _, f := range factories {
		h := f()
		ah := &activatedHandler{handler: h}
		if sagaHandler, ok := h.(SagaHandler); ok {
			ah.saga = sagaHandler
		}
		activated = append(activated, ah)
	}
	sc.set(stepKeyHandlerInvokers, activated)
	return next(ctx, sc)
}

// LoadSagaDataStep finds or creates the correlated SagaInstance for every
// activated SagaHandler, per spec.md §4.K: correlation lookup by each of
// the handler's CorrelationProperties, falling back to a new instance only
// if the handler declares itself an initiator for this message type.
type LoadSagaDataStep struct {
	Store SagaStore
}

func (s *LoadSagaDataStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	msg := sc.LogicalMessage()
	activated, _ := sc.get(stepKeyHandlerInvokers)
	handlers, _ := activated.([]*activatedHandler)

	for _, ah := range handlers {
		if ah.saga == nil {
			continue
		}
		instance, isNew, err := s.loadOrCreate(ah.saga, msg)
		if err != nil {
			return err
		}
		if instance == nil {
			// No correlated saga and this handler does not initiate on
			// this message type: the message is simply not relevant to
			// this saga instance (spec.md §4.K edge case).
			ah.handler = nil
			continue
		}
		ah.saga.SetData(instance.Data, isNew)
	}
	return next(ctx, sc)
}

func (s *LoadSagaDataStep) loadOrCreate(sh SagaHandler, msg *LogicalMessage) (*SagaInstance, bool, error) {
	sagaType := sh.SagaType()
	for _, prop := range sh.CorrelationProperties() {
		if prop.MessageType != "" && prop.MessageType != msg.MessageType() {
			continue
		}
		value, err := prop.Extract(msg)
		if err != nil {
			return nil, false, err
		}
		if value == "" {
			continue
		}
		instance, err := s.Store.Find(sagaType, prop.PropertyName, value)
		if err != nil {
			return nil, false, err
		}
		if instance != nil {
			return instance, false, nil
		}
	}

	if !sh.InitiatedBy(msg.MessageType()) {
		return nil, false, nil
	}
	return &SagaInstance{Data: sh.NewSagaData(), SagaType: sagaType}, true, nil
}

// DispatchIncomingMessageStep invokes Handle on every activated handler
// still present after LoadSagaDataStep. For handlers wrapped by an
// IdempotentSagaStore, a message id already recorded as processed for that
// saga is not re-dispatched — its previously recorded outgoing messages
// are replayed onto the transaction's outbox instead (spec.md §4.L).
type DispatchIncomingMessageStep struct {
	Idempotent *IdempotentSagaStore // nil disables idempotent replay

	// Transport replays recorded outgoing messages through Send rather
	// than buffering them directly, so the transport's own
	// tx.OnCommitted flush registration (made in MemTransport.Send) is
	// guaranteed to run even when no handler in this
	// invocation sends anything new of its own.
	Transport Transport
}

func (s *DispatchIncomingMessageStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	msg := sc.LogicalMessage()
	tm := sc.TransportMessage()
	activated, _ := sc.get(stepKeyHandlerInvokers)
	handlers, _ := activated.([]*activatedHandler)
	tx := sc.Transaction()

	for _, ah := range handlers {
		if ah.handler == nil {
			continue
		}

		sagaID := ""
		if ah.saga != nil {
			sagaID = sagaIDOf(ah.saga.Data())
		}

		if ah.saga != nil && s.Idempotent != nil && sagaID != "" {
			if skip, replay := s.Idempotent.ShouldSkip(sagaID, tm.Headers[HeaderMessageID]); skip {
				for _, om := range replay {
					if s.Transport != nil {
						if err := s.Transport.Send(ctx, om.Destination, om.Message, tx); err != nil {
							return err
						}
						continue
					}
					bufferSend(tx, om.Destination, om.Message)
				}
				continue
			}
		}

		before := outboxLengths(tx)
		if err := ah.handler.Handle(sc, msg); err != nil {
			return err
		}
		if ah.saga != nil && s.Idempotent != nil && sagaID != "" {
			// Deferred to OnCommitted: SaveSagaDataStep still has to
			// persist this saga's row, and may yet fail with a
			// concurrency conflict that aborts the whole transaction.
			// Recording the outcome here, before commit, would mark the
			// message processed even though the saga update never
			// landed — the next redelivery would then replay outgoing
			// messages for a handler invocation that was rolled back.
			id, idem, outgoing := sagaID, s.Idempotent, outboxSince(tx, before)
			msgID := tm.Headers[HeaderMessageID]
			tx.OnCommitted(func() error {
				idem.RecordOutcome(id, msgID, outgoing)
				return nil
			})
		}
	}
	return next(ctx, sc)
}

// sagaIDOf extracts the reserved ID field from a saga data value embedding
// SagaData, via a narrow interface rather than reflection on the field
// name, since user types may embed SagaData at any depth.
func sagaIDOf(data interface{}) string {
	if d, ok := data.(interface{ SagaID() string }); ok {
		return d.SagaID()
	}
	return ""
}

// outboxLengths snapshots the current per-destination message counts so
// outboxSince can report what a single handler invocation appended, for
// idempotency bookkeeping.
func outboxLengths(tx *TransactionContext) map[string]int {
	ob := getOutbox(tx)
	lengths := make(map[string]int, len(ob.byDestination))
	for dest, msgs := range ob.byDestination {
		lengths[dest] = len(msgs)
	}
	return lengths
}

// outboxSince returns every message appended to tx's outbox, per
// destination, since the given snapshot.
func outboxSince(tx *TransactionContext, before map[string]int) []OutgoingMessage {
	ob := getOutbox(tx)
	var added []OutgoingMessage
	for dest, msgs := range ob.byDestination {
		for _, m := range msgs[before[dest]:] {
			added = append(added, OutgoingMessage{Destination: dest, Message: m})
		}
	}
	return added
}

// SaveSagaDataStep persists every saga instance touched during dispatch:
// inserted if new, updated (with its revision bumped) otherwise, or
// deleted if the handler called MarkAsComplete. A concurrency conflict
// here surfaces as ConcurrencyConflictError, which the worker loop treats
// as transient (abort and redeliver) per spec.md §4.K.
type SaveSagaDataStep struct {
	Store      SagaStore
	Idempotent *IdempotentSagaStore // nil if idempotent sagas are disabled
	Hooks      Hooks
}

func (s *SaveSagaDataStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	activated, _ := sc.get(stepKeyHandlerInvokers)
	handlers, _ := activated.([]*activatedHandler)

	for _, ah := range handlers {
		if ah.saga == nil || ah.handler == nil {
			continue
		}
		instance := &SagaInstance{
			Data:     ah.saga.Data(),
			SagaType: ah.saga.SagaType(),
		}
		if id := sagaIDOf(instance.Data); id != "" {
			instance.ID = id
		}
		if r, ok := instance.Data.(interface{ SagaRevision() int }); ok {
			instance.Revision = r.SagaRevision()
		}

		correlations := correlationValues(ah.saga, instance.Data)

		if ah.saga.MarkedComplete() {
			if instance.ID != "" {
				if err := s.Store.Delete(instance); err != nil && err != ErrSagaNotFound {
					return err
				}
				if s.Idempotent != nil {
					s.Idempotent.Forget(instance.ID)
				}
			}
			continue
		}

		if instance.ID == "" {
			if err := s.Store.Insert(instance, correlations); err != nil {
				s.notifyConflict(err, instance.ID, sc)
				return err
			}
			assignSagaIDAndRevision(instance)
			continue
		}
		if err := s.Store.Update(instance, correlations); err != nil {
			s.notifyConflict(err, instance.ID, sc)
			return err
		}
		assignSagaIDAndRevision(instance)
	}
	return next(ctx, sc)
}

// notifyConflict fires SagaConflictHook when err is a
// ConcurrencyConflictError, before the caller propagates it up to abort
// the transaction for redelivery (spec.md §4.K step 3).
func (s *SaveSagaDataStep) notifyConflict(err error, sagaID string, sc *StepContext) {
	var conflict *ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		return
	}
	if conflict.SagaID != "" {
		sagaID = conflict.SagaID
	}
	msgID := ""
	if tm := sc.TransportMessage(); tm != nil {
		msgID = tm.Headers[HeaderMessageID]
	}
	s.Hooks.each(func(h Hook) {
		if h, ok := h.(SagaConflictHook); ok {
			h.OnSagaConflict(sagaID, msgID)
		}
	})
}

// assignSagaIDAndRevision propagates the id/revision a SagaStore call just
// assigned on instance back into the user's own SagaData-embedding value,
// which a plain *SagaInstance wrapper cannot reach on its own.
func assignSagaIDAndRevision(instance *SagaInstance) {
	if setter, ok := instance.Data.(interface{ SetSagaID(string) }); ok {
		setter.SetSagaID(instance.ID)
	}
	if setter, ok := instance.Data.(interface{ SetRevision(int) }); ok {
		setter.SetRevision(instance.Revision)
	}
}

// correlationValues computes the full correlation index row for a saga
// instance's current data, via each property's Value accessor rather
// than the just-arrived message — so a property whose owning message
// type isn't the one being handled right now still keeps its index
// entry instead of being dropped on this save (spec.md §8 scenario 2).
func correlationValues(sh SagaHandler, data interface{}) map[string]string {
	out := make(map[string]string)
	for _, prop := range sh.CorrelationProperties() {
		if prop.Value == nil {
			continue
		}
		value, err := prop.Value(data)
		if err != nil || value == "" {
			continue
		}
		out[prop.PropertyName] = value
	}
	return out
}

var (
	_ IncomingStep = (*DeserializeStep)(nil)
	_ IncomingStep = (*HandleDeferredMessagesStep)(nil)
	_ IncomingStep = (*ActivateHandlersStep)(nil)
	_ IncomingStep = (*LoadSagaDataStep)(nil)
	_ IncomingStep = (*DispatchIncomingMessageStep)(nil)
	_ IncomingStep = (*SaveSagaDataStep)(nil)
)
