package rebus

import "sync"

// Router maps a message type to a destination (point-to-point) or to the
// list of subscriber queues (publish) — spec.md §4.H. Two modes exist:
// explicit type-map routing (Router here) and transport-native topic
// routing, where the transport itself owns subscription resolution (see
// subscriptions.go); a Router backed by a Subscriptions store implements
// the latter by delegating Publish lookups to it.
type Router interface {
	// RouteSend returns the single destination for a point-to-point
	// send of a message of msgType.
	RouteSend(msgType string) (string, error)
	// RoutePublish returns every subscriber address for a topic.
	RoutePublish(topic string) ([]string, error)
}

// TypeMapRouter is the explicit-mapping Router: callers register
// msgType -> destination and topic -> Subscriptions lookups up front.
type TypeMapRouter struct {
	mu    sync.RWMutex
	sends map[string]string
	subs  Subscriptions
}

// NewTypeMapRouter returns a Router whose RoutePublish delegates to subs
// (nil is fine if the bus never publishes).
func NewTypeMapRouter(subs Subscriptions) *TypeMapRouter {
	return &TypeMapRouter{sends: make(map[string]string), subs: subs}
}

// Map registers msgType to always route to destination.
func (r *TypeMapRouter) Map(msgType, destination string) *TypeMapRouter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends[msgType] = destination
	return r
}

func (r *TypeMapRouter) RouteSend(msgType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dest, ok := r.sends[msgType]
	if !ok {
		return "", &ConfigurationError{Field: "router", Reason: "no destination mapped for message type " + msgType}
	}
	return dest, nil
}

func (r *TypeMapRouter) RoutePublish(topic string) ([]string, error) {
	if r.subs == nil {
		return nil, &ConfigurationError{Field: "router", Reason: "no subscription storage configured"}
	}
	return r.subs.GetSubscriberAddresses(topic)
}

var _ Router = (*TypeMapRouter)(nil)
