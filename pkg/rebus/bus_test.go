package rebus

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

type orderShipped struct {
	OrderID string `json:"orderId"`
}

type orderSagaData struct {
	SagaData
	OrderID string
	Shipped bool
}

var orderSagaType = reflect.TypeOf(orderSagaData{})

// orderSaga correlates OrderPlaced/OrderShipped by OrderID, completing
// (and deleting its row) once a shipment is observed — seed scenario 1
// (saga completion then re-initiation on a fresh OrderPlaced).
type orderSaga struct {
	SagaHandlerBase
	handled []string
}

func (s *orderSaga) CorrelationProperties() []CorrelationProperty {
	return []CorrelationProperty{
		{SagaType: orderSagaType, PropertyName: "OrderID", MessageType: "OrderPlaced", Extract: extractOrderID, Value: orderIDOnData},
		{SagaType: orderSagaType, PropertyName: "OrderID", MessageType: "OrderShipped", Extract: extractOrderID, Value: orderIDOnData},
	}
}

func extractOrderID(msg *LogicalMessage) (string, error) {
	switch body := msg.Body.(type) {
	case *orderPlaced:
		return body.OrderID, nil
	case *orderShipped:
		return body.OrderID, nil
	default:
		return "", nil
	}
}

func orderIDOnData(data interface{}) (string, error) {
	return data.(*orderSagaData).OrderID, nil
}

func (s *orderSaga) NewSagaData() interface{} { return &orderSagaData{} }
func (s *orderSaga) SagaType() reflect.Type   { return orderSagaType }
func (s *orderSaga) InitiatedBy(msgType string) bool {
	return msgType == "OrderPlaced"
}

func (s *orderSaga) Handle(ctx *StepContext, msg *LogicalMessage) error {
	data := s.Data().(*orderSagaData)
	switch body := msg.Body.(type) {
	case *orderPlaced:
		data.OrderID = body.OrderID
		s.handled = append(s.handled, "placed:"+body.OrderID)
	case *orderShipped:
		data.Shipped = true
		s.handled = append(s.handled, "shipped:"+body.OrderID)
		s.MarkAsComplete()
	}
	return nil
}

func newTestBus(t *testing.T, opts ...Option) (*Bus, *InMemorySagaStore, *MemTransport) {
	t.Helper()
	net := NewNetwork(t.Name())
	// cfg is built before the transport, and the transport is derived
	// from it via NewMemTransportFromConfig, so any With* knob a test
	// passes (codec, lease duration, dead-letter address, receive mode)
	// actually reaches the transport instead of requiring a second,
	// independently hand-built MemTransportConfig.
	cfg := NewConfig(append([]Option{WithLeaseDuration(time.Second)}, opts...)...)
	transport := NewMemTransportFromConfig(net, "orders", cfg)
	types := NewTypeRegistry()
	types.Register("OrderPlaced", func() interface{} { return &orderPlaced{} })
	types.Register("OrderShipped", func() interface{} { return &orderShipped{} })
	serializer := NewJSONSerializer(types)
	router := NewTypeMapRouter(nil).Map("OrderPlaced", "orders").Map("OrderShipped", "orders")
	sagaStore := NewInMemorySagaStore()

	bus := NewBus(cfg, transport, serializer, router, nil, sagaStore, nil, nil)
	return bus, sagaStore, transport
}

// runOne pushes headers/body through the bus's incoming pipeline directly,
// bypassing the transport and the worker loop, for deterministic
// assertions about saga state transitions.
func runOne(t *testing.T, bus *Bus, msgType string, body []byte) error {
	t.Helper()
	tm := NewTransportMessage(map[string]string{
		HeaderMessageType: msgType,
		HeaderContentType: JSONContentType,
	}, body)
	tx := NewTransactionContext()
	sc := newStepContext()
	sc.set(stepKeyTransaction, tx)
	sc.set(stepKeyTransportMessage, tm)

	err := bus.incoming.Run(context.Background(), sc)
	if err != nil {
		tx.Abort()
		tx.Dispose()
		return err
	}
	require.NoError(t, tx.Commit())
	tx.Dispose()
	return nil
}

func TestSagaCompletionThenReinitiation(t *testing.T) {
	bus, store, _ := newTestBus(t)
	saga := &orderSaga{}
	bus.Handlers().Register("OrderPlaced", func() Handler { return saga })
	bus.Handlers().Register("OrderShipped", func() Handler { return saga })

	require.NoError(t, runOne(t, bus, "OrderPlaced", []byte(`{"orderId":"o1"}`)))
	found, err := store.Find(orderSagaType, "OrderID", "o1")
	require.NoError(t, err)
	require.NotNil(t, found)
	firstID := found.ID

	require.NoError(t, runOne(t, bus, "OrderShipped", []byte(`{"orderId":"o1"}`)))
	found, err = store.Find(orderSagaType, "OrderID", "o1")
	require.NoError(t, err)
	require.Nil(t, found, "completed saga should be deleted")

	// Re-initiation: a fresh OrderPlaced starts a brand new instance.
	require.NoError(t, runOne(t, bus, "OrderPlaced", []byte(`{"orderId":"o1"}`)))
	found, err = store.Find(orderSagaType, "OrderID", "o1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.NotEqual(t, firstID, found.ID)

	require.Equal(t, []string{"placed:o1", "shipped:o1", "placed:o1"}, saga.handled)
}

func TestOrderShippedWithoutCorrelatedSagaIsDroppedNotErrored(t *testing.T) {
	bus, _, _ := newTestBus(t)
	saga := &orderSaga{}
	bus.Handlers().Register("OrderShipped", func() Handler { return saga })

	err := runOne(t, bus, "OrderShipped", []byte(`{"orderId":"unknown"}`))
	require.NoError(t, err)
	require.Empty(t, saga.handled)
}

// idempotentShipSaga is a minimal saga that counts the shipment notices
// its Handle processes, used to prove a redelivered rbs2-msg-id does not
// re-run Handle (spec.md §4.L) once the saga already has a persisted id.
type idempotentShipSaga struct {
	SagaHandlerBase
	invocations int
}

func (s *idempotentShipSaga) CorrelationProperties() []CorrelationProperty {
	return []CorrelationProperty{
		{SagaType: orderSagaType, PropertyName: "OrderID", MessageType: "OrderPlaced", Extract: extractOrderID, Value: orderIDOnData},
		{SagaType: orderSagaType, PropertyName: "OrderID", MessageType: "OrderShipped", Extract: extractOrderID, Value: orderIDOnData},
	}
}
func (s *idempotentShipSaga) NewSagaData() interface{}          { return &orderSagaData{} }
func (s *idempotentShipSaga) SagaType() reflect.Type            { return orderSagaType }
func (s *idempotentShipSaga) InitiatedBy(msgType string) bool   { return msgType == "OrderPlaced" }
func (s *idempotentShipSaga) Handle(ctx *StepContext, msg *LogicalMessage) error {
	if _, ok := msg.Body.(*orderShipped); ok {
		s.invocations++
	}
	return nil
}

func TestIdempotentSagaSkipsReplayOnRedeliveredMessageID(t *testing.T) {
	bus, _, _ := newTestBus(t, WithIdempotentSagas())
	saga := &idempotentShipSaga{}
	bus.Handlers().Register("OrderPlaced", func() Handler { return saga })
	bus.Handlers().Register("OrderShipped", func() Handler { return saga })

	require.NoError(t, runOne(t, bus, "OrderPlaced", []byte(`{"orderId":"o1"}`)))

	shipTM := NewTransportMessage(map[string]string{
		HeaderMessageID:   "ship-msg-1",
		HeaderMessageType: "OrderShipped",
		HeaderContentType: JSONContentType,
	}, []byte(`{"orderId":"o1"}`))

	for i := 0; i < 2; i++ {
		tx := NewTransactionContext()
		sc := newStepContext()
		sc.set(stepKeyTransaction, tx)
		sc.set(stepKeyTransportMessage, shipTM)
		require.NoError(t, bus.incoming.Run(context.Background(), sc))
		require.NoError(t, tx.Commit())
		tx.Dispose()
	}

	require.Equal(t, 1, saga.invocations, "redelivery of the same msg-id must not re-run Handle")
}

// fakeSagaID lets a minimal handler report a saga id to
// DispatchIncomingMessageStep without going through LoadSagaDataStep.
type fakeSagaID struct{ id string }

func (d *fakeSagaID) SagaID() string { return d.id }

// idemDispatchOnlyHandler is a SagaHandler whose Handle buffers one
// outgoing message per invocation, used to drive DispatchIncomingMessageStep
// directly (bypassing LoadSagaDataStep/SaveSagaDataStep) so the test can
// control commit vs. abort precisely.
type idemDispatchOnlyHandler struct {
	SagaHandlerBase
	invocations int
}

func (h *idemDispatchOnlyHandler) CorrelationProperties() []CorrelationProperty { return nil }
func (h *idemDispatchOnlyHandler) NewSagaData() interface{}                    { return &fakeSagaID{} }
func (h *idemDispatchOnlyHandler) SagaType() reflect.Type                      { return reflect.TypeOf(fakeSagaID{}) }
func (h *idemDispatchOnlyHandler) InitiatedBy(msgType string) bool             { return true }
func (h *idemDispatchOnlyHandler) Handle(sc *StepContext, msg *LogicalMessage) error {
	h.invocations++
	bufferSend(sc.Transaction(), "replies", &TransportMessage{Body: []byte("reply")})
	return nil
}

// runDispatchOnly drives just DispatchIncomingMessageStep for msgID against
// tx, returning the outbox's "replies" length afterward.
func runDispatchOnly(t *testing.T, idem *IdempotentSagaStore, h *idemDispatchOnlyHandler, tx *TransactionContext, msgID string) int {
	t.Helper()
	tm := NewTransportMessage(map[string]string{HeaderMessageID: msgID}, nil)
	sc := newStepContext()
	sc.set(stepKeyTransaction, tx)
	sc.set(stepKeyTransportMessage, tm)
	sc.set(stepKeyLogicalMessage, &LogicalMessage{Body: nil, Headers: tm.Headers})
	h.SetData(&fakeSagaID{id: "saga-x"}, false)
	sc.set(stepKeyHandlerInvokers, []*activatedHandler{{handler: h, saga: h}})

	step := &DispatchIncomingMessageStep{Idempotent: idem}
	require.NoError(t, step.Invoke(context.Background(), sc, func(context.Context, *StepContext) error { return nil }))
	return len(getOutbox(tx).byDestination["replies"])
}

func TestIdempotencyRecordOnlyAppliesOnCommit(t *testing.T) {
	idem := NewIdempotentSagaStore(NewInMemorySagaStore())
	h := &idemDispatchOnlyHandler{}

	// First attempt: handler runs and buffers a reply, but the
	// transaction aborts (simulating SaveSagaDataStep hitting a
	// concurrency conflict downstream) instead of committing.
	tx1 := NewTransactionContext()
	n := runDispatchOnly(t, idem, h, tx1, "msg-1")
	require.Equal(t, 1, n)
	require.NoError(t, tx1.Abort())
	tx1.Dispose()
	require.Equal(t, 1, h.invocations)

	// Because the transaction never committed, the idempotency record
	// must not have taken effect: redelivery of the same message id
	// re-runs the handler with fresh state rather than silently
	// replaying a reply that was never actually sent.
	tx2 := NewTransactionContext()
	n = runDispatchOnly(t, idem, h, tx2, "msg-1")
	require.Equal(t, 1, n)
	require.NoError(t, tx2.Commit())
	tx2.Dispose()
	require.Equal(t, 2, h.invocations, "aborted attempt must not mark the message id processed")

	// Now that tx2 committed, a further redelivery of the same id must
	// skip the handler and replay the recorded reply instead.
	tx3 := NewTransactionContext()
	n = runDispatchOnly(t, idem, h, tx3, "msg-1")
	require.Equal(t, 1, n)
	require.NoError(t, tx3.Commit())
	tx3.Dispose()
	require.Equal(t, 2, h.invocations, "committed attempt must suppress the next redelivery")
}

// TestIdempotentReplayFlushesThroughTransport verifies that a transaction consisting
// solely of a replayed idempotent message (no handler ran) still flushes
// to the transport, since DispatchIncomingMessageStep routes replay sends
// through Transport.Send rather than buffering them directly.
func TestIdempotentReplayFlushesThroughTransport(t *testing.T) {
	net := NewNetwork(t.Name())
	transport := NewMemTransport(net, "replies", MemTransportConfig{})
	idem := NewIdempotentSagaStore(NewInMemorySagaStore())
	h := &idemDispatchOnlyHandler{}

	tx1 := NewTransactionContext()
	sc1 := newStepContext()
	tm1 := NewTransportMessage(map[string]string{HeaderMessageID: "msg-1"}, nil)
	sc1.set(stepKeyTransaction, tx1)
	sc1.set(stepKeyTransportMessage, tm1)
	sc1.set(stepKeyLogicalMessage, &LogicalMessage{Body: nil, Headers: tm1.Headers})
	h.SetData(&fakeSagaID{id: "saga-y"}, false)
	sc1.set(stepKeyHandlerInvokers, []*activatedHandler{{handler: h, saga: h}})
	step := &DispatchIncomingMessageStep{Idempotent: idem, Transport: transport}
	require.NoError(t, step.Invoke(context.Background(), sc1, func(context.Context, *StepContext) error { return nil }))
	require.NoError(t, tx1.Commit())
	tx1.Dispose()
	require.Equal(t, 1, h.invocations)

	// Redelivery: the handler must not run again, and the replayed
	// message must reach the transport's "replies" queue even though
	// this transaction's only outgoing activity is the replay.
	tx2 := NewTransactionContext()
	sc2 := newStepContext()
	sc2.set(stepKeyTransaction, tx2)
	sc2.set(stepKeyTransportMessage, tm1)
	sc2.set(stepKeyLogicalMessage, &LogicalMessage{Body: nil, Headers: tm1.Headers})
	h.SetData(&fakeSagaID{id: "saga-y"}, false)
	sc2.set(stepKeyHandlerInvokers, []*activatedHandler{{handler: h, saga: h}})
	require.NoError(t, step.Invoke(context.Background(), sc2, func(context.Context, *StepContext) error { return nil }))
	require.NoError(t, tx2.Commit())
	tx2.Dispose()
	require.Equal(t, 1, h.invocations, "replay must not re-run the handler")

	recvTx := NewTransactionContext()
	msg, err := transport.Receive(context.Background(), recvTx)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), msg.Body)
	require.NoError(t, recvTx.Commit())
	recvTx.Dispose()
}

func TestBusSendHandleRoundTripThroughWorker(t *testing.T) {
	bus, _, _ := newTestBus(t, WithNumberOfWorkers(1))
	received := make(chan string, 1)
	bus.Handlers().Register("OrderPlaced", func() Handler {
		return HandlerFunc(func(sc *StepContext, msg *LogicalMessage) error {
			received <- msg.Body.(*orderPlaced).OrderID
			return nil
		})
	})

	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	require.NoError(t, bus.Send(context.Background(), "OrderPlaced", &orderPlaced{OrderID: "o42"}, nil))

	select {
	case id := <-received:
		require.Equal(t, "o42", id)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestBusForwardToErrorQueue(t *testing.T) {
	bus, _, transport := newTestBus(t)
	_ = transport
	bus.Handlers().Register("OrderPlaced", func() Handler {
		return HandlerFunc(func(sc *StepContext, msg *LogicalMessage) error {
			return bus.Forward(sc, "error")
		})
	})

	tm := NewTransportMessage(map[string]string{
		HeaderMessageType: "OrderPlaced",
		HeaderContentType: JSONContentType,
	}, []byte(`{"orderId":"bad"}`))
	tx := NewTransactionContext()
	sc := newStepContext()
	sc.set(stepKeyTransaction, tx)
	sc.set(stepKeyTransportMessage, tm)

	require.NoError(t, bus.incoming.Run(context.Background(), sc))
	require.NoError(t, tx.Commit())
	tx.Dispose()

	net := NewNetwork(t.Name())
	errQueue := NewMemTransport(net, "error", MemTransportConfig{})
	recvTx := NewTransactionContext()
	msg, err := errQueue.Receive(context.Background(), recvTx)
	require.NoError(t, err)
	require.Contains(t, string(msg.Body), "bad")
	recvTx.Commit()
	recvTx.Dispose()
}
