package rebus

import (
	"context"
	"sync"
)

// stepContextKey is an unexported type so StepContext keys never collide
// with caller-supplied string keys used elsewhere (e.g. the transaction
// item bag).
type stepContextKey string

const (
	stepKeyTransportMessage stepContextKey = "transport-message"
	stepKeyLogicalMessage   stepContextKey = "logical-message"
	stepKeyTransaction      stepContextKey = "transaction"
	stepKeyHandlerInvokers  stepContextKey = "handler-invokers"
	stepKeyOutgoing         stepContextKey = "outgoing-message"
)

// StepContext is the keyed item bag threaded through a single pipeline
// invocation. It is immutable in the sense that steps only add or read
// keys relevant to their own concern — no step should delete another
// step's key.
type StepContext struct {
	mu    sync.RWMutex
	items map[stepContextKey]interface{}
}

func newStepContext() *StepContext {
	return &StepContext{items: make(map[stepContextKey]interface{})}
}

func (c *StepContext) set(key stepContextKey, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = v
}

func (c *StepContext) get(key stepContextKey) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Transaction returns the TransactionContext ambient to this pipeline
// invocation.
func (c *StepContext) Transaction() *TransactionContext {
	v, _ := c.get(stepKeyTransaction)
	tx, _ := v.(*TransactionContext)
	return tx
}

// TransportMessage returns the inbound TransportMessage being processed,
// if any (outgoing pipelines do not set this).
func (c *StepContext) TransportMessage() *TransportMessage {
	v, _ := c.get(stepKeyTransportMessage)
	m, _ := v.(*TransportMessage)
	return m
}

// LogicalMessage returns the deserialized LogicalMessage once
// DeserializeStep has run.
func (c *StepContext) LogicalMessage() *LogicalMessage {
	v, _ := c.get(stepKeyLogicalMessage)
	m, _ := v.(*LogicalMessage)
	return m
}

// OutgoingMessage is the message an outgoing-pipeline invocation is
// about to send, paired with its destination.
type OutgoingMessage struct {
	Destination string
	Message     *TransportMessage
}

func (c *StepContext) outgoing() *OutgoingMessage {
	v, _ := c.get(stepKeyOutgoing)
	o, _ := v.(*OutgoingMessage)
	return o
}

// Next is the continuation a step calls to run the remainder of the
// pipeline. Calling Next is optional — a step may short-circuit by simply
// not calling it (e.g. HandleDeferredMessagesStep when re-deferring).
type Next func(ctx context.Context, sc *StepContext) error

// IncomingStep is one stage of the incoming pipeline. It receives the
// step context and the next continuation; it performs work, optionally
// calls next, then optionally performs post-work — the middleware
// pattern from spec.md §4.C. A step must not swallow an error returned by
// next: propagating it aborts the transaction.
type IncomingStep interface {
	Invoke(ctx context.Context, sc *StepContext, next Next) error
}

// IncomingStepFunc adapts a plain function to IncomingStep.
type IncomingStepFunc func(ctx context.Context, sc *StepContext, next Next) error

func (f IncomingStepFunc) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	return f(ctx, sc, next)
}

// OutgoingStep is the outgoing-pipeline analogue of IncomingStep.
type OutgoingStep interface {
	Invoke(ctx context.Context, sc *StepContext, next Next) error
}

type OutgoingStepFunc func(ctx context.Context, sc *StepContext, next Next) error

func (f OutgoingStepFunc) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	return f(ctx, sc, next)
}

// IncomingPipeline is an ordered list of IncomingStep. Run composes them
// into nested continuations and invokes the first one.
type IncomingPipeline struct {
	steps []IncomingStep
}

// NewIncomingPipeline returns a pipeline invoking steps in the given
// order.
func NewIncomingPipeline(steps ...IncomingStep) *IncomingPipeline {
	return &IncomingPipeline{steps: steps}
}

// Run invokes the full incoming pipeline for a single message.
func (p *IncomingPipeline) Run(ctx context.Context, sc *StepContext) error {
	return runIncoming(ctx, sc, p.steps)
}

func runIncoming(ctx context.Context, sc *StepContext, steps []IncomingStep) error {
	if len(steps) == 0 {
		return nil
	}
	head, rest := steps[0], steps[1:]
	next := func(ctx context.Context, sc *StepContext) error {
		return runIncoming(ctx, sc, rest)
	}
	return head.Invoke(ctx, sc, next)
}

// OutgoingPipeline is the outgoing-pipeline analogue of IncomingPipeline.
type OutgoingPipeline struct {
	steps []OutgoingStep
}

func NewOutgoingPipeline(steps ...OutgoingStep) *OutgoingPipeline {
	return &OutgoingPipeline{steps: steps}
}

func (p *OutgoingPipeline) Run(ctx context.Context, sc *StepContext) error {
	return runOutgoing(ctx, sc, p.steps)
}

func runOutgoing(ctx context.Context, sc *StepContext, steps []OutgoingStep) error {
	if len(steps) == 0 {
		return nil
	}
	head, rest := steps[0], steps[1:]
	next := func(ctx context.Context, sc *StepContext) error {
		return runOutgoing(ctx, sc, rest)
	}
	return head.Invoke(ctx, sc, next)
}
