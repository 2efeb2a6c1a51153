package rebus

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// SagaData is the opaque user-defined record every saga implementation
// embeds (spec.md §3): two reserved fields, ID (assigned on first
// insert) and Revision (monotonically increasing, starts at 0).
type SagaData struct {
	ID       string
	Revision int
}

// SagaID returns the reserved id.
func (d *SagaData) SagaID() string { return d.ID }

// SetSagaID assigns the reserved id. Called by SaveSagaDataStep once a
// SagaStore.Insert hands back a freshly generated id, so the id
// round-trips into the user's own data value instead of staying stranded
// on the SagaInstance wrapper.
func (d *SagaData) SetSagaID(id string) { d.ID = id }

// SetRevision assigns the reserved revision. Called by SaveSagaDataStep
// after a successful Update so the next save sees the store's bumped
// revision rather than retrying against a stale one.
func (d *SagaData) SetRevision(rev int) { d.Revision = rev }

// SagaRevision returns the reserved revision, which SaveSagaDataStep
// passes to SagaStore.Update as the expected stored revision.
func (d *SagaData) SagaRevision() int { return d.Revision }

// CorrelationProperty is (saga-data-type, property-path-on-data,
// message-type, extractor-on-message) from spec.md §3. PropertyName is
// an opaque identifier used as the SagaStore's secondary index key; it
// need not literally be a struct field path as long as it's stable.
//
// Extract and Value read the same logical property from two different
// places: Extract pulls the correlation value out of an arriving
// message of MessageType, for LoadSagaDataStep's lookup; Value reads
// the property-path-on-data directly off the saga's own persisted
// record, for SaveSagaDataStep's index maintenance. Splitting them
// keeps a saga with several properties, each tied to a different
// incoming message type, from losing the other properties' index
// entries every time only one of them shows up on the current message.
type CorrelationProperty struct {
	SagaType     reflect.Type
	PropertyName string
	MessageType  string
	Extract      func(msg *LogicalMessage) (string, error)
	Value        func(data interface{}) (string, error)
}

// SagaStore is the persistence contract from spec.md §4.K: correlation
// lookup plus Insert/Update/Delete with optimistic concurrency. Insert
// must fail with ConcurrencyConflictError when (correlationProperty,
// value) collides with an existing saga of the same type; Update must
// fail when (id, revision) doesn't match the stored row, and otherwise
// increments revision on success.
type SagaStore interface {
	Find(sagaType reflect.Type, propertyName, value string) (*SagaInstance, error)
	Insert(data *SagaInstance, correlations map[string]string) error
	Update(data *SagaInstance, correlations map[string]string) error
	Delete(data *SagaInstance) error
}

// SagaInstance pairs a saga's opaque data value with its reserved id and
// revision, since the spec's SagaData fields are embedded in a
// user-defined type the core cannot otherwise introspect generically.
type SagaInstance struct {
	Data     interface{}
	ID       string
	Revision int
	SagaType reflect.Type
}

type sagaRow struct {
	instance     *SagaInstance
	correlations map[string]string // propertyName -> value
}

// InMemorySagaStore is the reference SagaStore: a map keyed by id plus a
// secondary map (type, property, value) -> id, per spec.md §6's
// described in-memory backend shape.
type InMemorySagaStore struct {
	mu   sync.Mutex
	byID map[string]*sagaRow
	byCorrelation map[correlationKey]string // -> id
}

type correlationKey struct {
	sagaType reflect.Type
	property string
	value    string
}

// NewInMemorySagaStore returns an empty store.
func NewInMemorySagaStore() *InMemorySagaStore {
	return &InMemorySagaStore{
		byID:          make(map[string]*sagaRow),
		byCorrelation: make(map[correlationKey]string),
	}
}

func (s *InMemorySagaStore) Find(sagaType reflect.Type, propertyName, value string) (*SagaInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCorrelation[correlationKey{sagaType, propertyName, value}]
	if !ok {
		return nil, nil
	}
	row, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneSagaInstance(row.instance), nil
}

func (s *InMemorySagaStore) Insert(data *SagaInstance, correlations map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	for prop, value := range correlations {
		key := correlationKey{data.SagaType, prop, value}
		if existing, ok := s.byCorrelation[key]; ok && existing != data.ID {
			return &ConcurrencyConflictError{SagaID: data.ID}
		}
	}

	s.byID[data.ID] = &sagaRow{instance: cloneSagaInstance(data), correlations: cloneStringMap(correlations)}
	for prop, value := range correlations {
		s.byCorrelation[correlationKey{data.SagaType, prop, value}] = data.ID
	}
	return nil
}

func (s *InMemorySagaStore) Update(data *SagaInstance, correlations map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[data.ID]
	if !ok {
		return ErrSagaNotFound
	}
	if row.instance.Revision != data.Revision {
		return &ConcurrencyConflictError{SagaID: data.ID}
	}

	// Collision check against other sagas' correlation values (not
	// this row's own prior values, which we're about to replace).
	for prop, value := range correlations {
		key := correlationKey{data.SagaType, prop, value}
		if existing, ok := s.byCorrelation[key]; ok && existing != data.ID {
			return &ConcurrencyConflictError{SagaID: data.ID}
		}
	}

	for prop, value := range row.correlations {
		delete(s.byCorrelation, correlationKey{data.SagaType, prop, value})
	}
	for prop, value := range correlations {
		s.byCorrelation[correlationKey{data.SagaType, prop, value}] = data.ID
	}

	data.Revision++
	row.instance = cloneSagaInstance(data)
	row.correlations = cloneStringMap(correlations)
	return nil
}

func (s *InMemorySagaStore) Delete(data *SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[data.ID]
	if !ok {
		return ErrSagaNotFound
	}
	for prop, value := range row.correlations {
		delete(s.byCorrelation, correlationKey{data.SagaType, prop, value})
	}
	delete(s.byID, data.ID)
	return nil
}

func cloneSagaInstance(in *SagaInstance) *SagaInstance {
	return &SagaInstance{Data: in.Data, ID: in.ID, Revision: in.Revision, SagaType: in.SagaType}
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ SagaStore = (*InMemorySagaStore)(nil)

// SagaHandler is implemented by a handler that carries correlated saga
// state. Data returns the handler's current saga data value (nil until
// attached); SetData attaches the loaded or newly-created data value
// before Handle runs — the spec.md §9 "pass (handler, dataRef) explicitly"
// redesign, avoiding hidden mutable state on a base capability.
type SagaHandler interface {
	CorrelationProperties() []CorrelationProperty
	NewSagaData() interface{}
	SagaType() reflect.Type
	SetData(data interface{}, isNew bool)
	Data() interface{}
	// InitiatedBy reports whether this saga creates a new instance when
	// no correlated saga is found for a message of msgType.
	InitiatedBy(msgType string) bool
	// MarkedComplete reports whether the handler called MarkAsComplete
	// during the just-finished invocation.
	MarkedComplete() bool
	Handle(ctx *StepContext, msg *LogicalMessage) error
}

// SagaHandlerBase supplies the bookkeeping every concrete SagaHandler
// needs (attached data, completion flag) so implementations only have to
// write CorrelationProperties, NewSagaData, SagaType, InitiatedBy, and
// Handle. Embed it by value; LoadSagaDataStep and SaveSagaDataStep drive
// SetData/Data/MarkedComplete through the SagaHandler interface, never
// these fields directly.
type SagaHandlerBase struct {
	data      interface{}
	completed bool
}

func (b *SagaHandlerBase) SetData(data interface{}, isNew bool) { b.data = data; b.completed = false }
func (b *SagaHandlerBase) Data() interface{}                    { return b.data }

// MarkAsComplete tells SaveSagaDataStep to delete this saga's row instead
// of updating it, ending the saga's lifecycle (spec.md §4.K).
func (b *SagaHandlerBase) MarkAsComplete()  { b.completed = true }
func (b *SagaHandlerBase) MarkedComplete() bool { return b.completed }
