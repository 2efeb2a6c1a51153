package rebus

import (
	"context"
	"time"
)

// AssignDefaultHeadersStep fills in rbs2-msg-id and rbs2-senttime for any
// outgoing message that doesn't already carry them, mirroring
// message.go's AssignDefaultHeaders helper — this is the pipeline step
// form of it, run for every Send/Publish/Reply (spec.md §4.B).
type AssignDefaultHeadersStep struct {
	Now func() time.Time // nil uses time.Now
}

func (s *AssignDefaultHeadersStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if om := sc.outgoing(); om != nil {
		AssignDefaultHeaders(om.Message, now())
	}
	return next(ctx, sc)
}

// AutoCorrelateStep copies the currently-handled message's
// rbs2-corr-id onto an outgoing message produced while handling it,
// falling back to the incoming message's own msg-id as the correlation
// root if none was set yet — spec.md §4.B "outgoing messages sent from
// within a handler automatically correlate to the message being
// handled".
type AutoCorrelateStep struct{}

func (s *AutoCorrelateStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	om := sc.outgoing()
	if om == nil {
		return next(ctx, sc)
	}
	if _, ok := om.Message.Headers[HeaderCorrelationID]; ok {
		return next(ctx, sc)
	}
	incoming := sc.TransportMessage()
	if incoming == nil {
		return next(ctx, sc)
	}
	corrID := incoming.CorrelationID()
	if corrID == "" {
		corrID = incoming.Headers[HeaderMessageID]
	}
	if corrID != "" {
		if om.Message.Headers == nil {
			om.Message.Headers = map[string]string{}
		}
		om.Message.Headers[HeaderCorrelationID] = corrID
	}
	return next(ctx, sc)
}

// SerializeStep converts the outgoing LogicalMessage's body into the
// TransportMessage's wire body via the configured Serializer, preserving
// any headers already assigned by earlier steps (correlation id, deferred
// headers set by a Defer call).
type SerializeStep struct {
	Serializer Serializer
}

func (s *SerializeStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	om := sc.outgoing()
	if om == nil {
		return next(ctx, sc)
	}
	logical, _ := sc.get(stepKeyLogicalMessage)
	lm, ok := logical.(*LogicalMessage)
	if !ok {
		return next(ctx, sc)
	}

	serialized, err := s.Serializer.Serialize(lm)
	if err != nil {
		return err
	}
	for k, v := range om.Message.Headers {
		if _, exists := serialized.Headers[k]; !exists {
			serialized.Headers[k] = v
		}
	}
	om.Message.Body = serialized.Body
	for k, v := range serialized.Headers {
		om.Message.Headers[k] = v
	}
	return next(ctx, sc)
}

// SendOutgoingMessageStep is the last outgoing step: it buffers the fully
// assembled message onto the transaction's outbox via the transport,
// where it waits for commit (spec.md §4.A).
type SendOutgoingMessageStep struct {
	Transport Transport
}

func (s *SendOutgoingMessageStep) Invoke(ctx context.Context, sc *StepContext, next Next) error {
	om := sc.outgoing()
	if om == nil {
		return next(ctx, sc)
	}
	tx := sc.Transaction()
	if err := s.Transport.Send(ctx, om.Destination, om.Message, tx); err != nil {
		return err
	}
	return next(ctx, sc)
}

var (
	_ OutgoingStep = (*AssignDefaultHeadersStep)(nil)
	_ OutgoingStep = (*AutoCorrelateStep)(nil)
	_ OutgoingStep = (*SerializeStep)(nil)
	_ OutgoingStep = (*SendOutgoingMessageStep)(nil)
)
