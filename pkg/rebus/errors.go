package rebus

import "errors"

// Sentinel errors returned by the core runtime. Callers should use
// errors.Is/As rather than comparing transport- or store-specific errors
// directly, since concrete transports and stores wrap these.
var (
	// ErrTransportDead is returned by a transport once it has been
	// disposed; any further Send/Receive must fail immediately.
	ErrTransportDead = errors.New("rebus: transport is dead")

	// ErrNoMessage is returned by Transport.Receive when no message was
	// available within the call's budget. It is not an error condition
	// for the worker loop — it triggers the empty-queue backoff.
	ErrNoMessage = errors.New("rebus: no message available")

	// ErrUnknownContentType is returned by a Serializer, wrapped in a
	// FormatError, when asked to deserialize a message whose
	// rbs2-content-type it does not recognize. See FormatError for what
	// then happens to the message.
	ErrUnknownContentType = errors.New("rebus: unknown content type")

	// ErrTransactionTerminal is returned by Commit/Abort when the
	// transaction has already reached a terminal state.
	ErrTransactionTerminal = errors.New("rebus: transaction already committed or aborted")

	// ErrSagaNotFound is returned by a SagaStore.Update/Delete call
	// whose id does not exist.
	ErrSagaNotFound = errors.New("rebus: saga data not found")

	// ErrNoCorrelationProperty names the case of a message type handled
	// by a saga that has no registered correlation property for it and
	// does not initiate on it. LoadSagaDataStep does not return it: such
	// a message finds no saga, and the handler is skipped for it.
	ErrNoCorrelationProperty = errors.New("rebus: no correlation property for message type")
)

// TransientError marks an error that the Retrier should consider eligible
// for retry. Transports wrap broker-specific transient conditions (timeouts,
// connection resets, throttling) in this type so retry policy is defined
// once centrally rather than per broker implementation.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Wrapping a nil error returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConcurrencyConflictError is returned by a SagaStore when an Insert
// collides with an existing correlation value, or an Update's expected
// revision does not match the stored row.
type ConcurrencyConflictError struct {
	SagaID string
}

func (e *ConcurrencyConflictError) Error() string {
	return "rebus: concurrency conflict on saga " + e.SagaID
}

// FormatError marks an unrecoverable deserialization failure — bad content
// type, malformed body, or similar. The worker handles it like any other
// pipeline error: the transaction aborts and the message is redelivered.
// It is not routed to the dead-letter queue directly; the transport
// dead-letters it once its delivery count reaches the configured maximum.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return "rebus: format error: " + e.Err.Error() }
func (e *FormatError) Unwrap() error { return e.Err }

// ConfigurationError reports missing routing configuration. The router
// returns it from RouteSend (no destination mapped for a message type)
// and RoutePublish (no subscription storage), so it surfaces at Send or
// Publish time, including from inside a handler.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "rebus: configuration error: " + e.Field + ": " + e.Reason
}
