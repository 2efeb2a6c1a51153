package rebus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Network is the process-wide named network backing the in-memory
// reference transport (spec.md §6): queues are string-keyed mailboxes,
// shared by every MemTransport constructed against the same name. State
// is serialized under a single mutex, matching spec.md §5's description
// of the in-memory test transport.
type Network struct {
	name string

	mu      sync.Mutex
	queues  map[string]*mailbox
	waiters map[string][]chan struct{}
}

var (
	networksMu sync.Mutex
	networks   = map[string]*Network{}
)

// NewNetwork returns the shared Network for name, creating it on first
// use. Tests typically create one Network per scenario and build
// transports against distinct addresses within it.
func NewNetwork(name string) *Network {
	networksMu.Lock()
	defer networksMu.Unlock()
	if n, ok := networks[name]; ok {
		return n
	}
	n := &Network{name: name, queues: map[string]*mailbox{}, waiters: map[string][]chan struct{}{}}
	networks[name] = n
	return n
}

// mailbox holds the pending and leased-but-undecided messages for one
// queue address.
type mailbox struct {
	pending []*leasedMessage
}

type leasedMessage struct {
	msg           *TransportMessage
	deliveryCount int
	leasedUntil   time.Time // zero means not currently leased
}

func (n *Network) ensureQueue(address string) *mailbox {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ensureQueueLocked(address)
}

// ensureQueueLocked must be called with n.mu held.
func (n *Network) ensureQueueLocked(address string) *mailbox {
	mb, ok := n.queues[address]
	if !ok {
		mb = &mailbox{}
		n.queues[address] = mb
	}
	return mb
}

func (n *Network) enqueue(address string, m *TransportMessage, deliveryCount int) {
	n.mu.Lock()
	mb := n.ensureQueueLocked(address)
	mb.pending = append(mb.pending, &leasedMessage{msg: m, deliveryCount: deliveryCount})
	waiters := n.waiters[address]
	delete(n.waiters, address)
	n.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// tryTake pops the first message in address whose lease (if any) has
// expired, marking it leased until leaseUntil. Returns nil if none is
// available.
func (n *Network) tryTake(address string, leaseUntil time.Time) *leasedMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	mb, ok := n.queues[address]
	if !ok {
		return nil
	}
	now := time.Now()
	for _, lm := range mb.pending {
		if lm.leasedUntil.IsZero() || lm.leasedUntil.Before(now) {
			lm.leasedUntil = leaseUntil
			lm.deliveryCount++
			return lm
		}
	}
	return nil
}

// ack permanently removes lm from address's mailbox.
func (n *Network) ack(address string, lm *leasedMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	mb, ok := n.queues[address]
	if !ok {
		return
	}
	for i, cand := range mb.pending {
		if cand == lm {
			mb.pending = append(mb.pending[:i], mb.pending[i+1:]...)
			return
		}
	}
}

// abandon clears lm's lease, making it immediately re-deliverable.
func (n *Network) abandon(address string, lm *leasedMessage) {
	n.mu.Lock()
	lm.leasedUntil = time.Time{}
	waiters := n.waiters[address]
	delete(n.waiters, address)
	n.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// renew extends lm's lease to leaseUntil.
func (n *Network) renew(lm *leasedMessage, leaseUntil time.Time) {
	n.mu.Lock()
	lm.leasedUntil = leaseUntil
	n.mu.Unlock()
}

// waiter returns a channel closed the next time address receives a
// message or an abandon makes one visible again.
func (n *Network) waiter(address string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{})
	n.waiters[address] = append(n.waiters[address], ch)
	return ch
}

// MemTransportConfig configures a MemTransport instance.
type MemTransportConfig struct {
	// LeaseDuration is the peek-lock duration granted per Receive.
	LeaseDuration time.Duration
	// Mode selects plain / renew-on-lease / prefetch(N) receive
	// behavior; see ReceiveMode.
	Mode ReceiveMode
	// MaxDeliveries is the delivery-count ceiling before a message is
	// routed to DeadLetterAddress. Zero uses DefaultMaxDeliveries.
	MaxDeliveries int
	// DeadLetterAddress receives poison messages with their original
	// headers plus rbs2-error-details. Zero uses "error".
	DeadLetterAddress string
	// Codec compresses bodies above CodecThreshold bytes on send, and
	// transparently decompresses on receive; see codec.go.
	Codec          Codec
	CodecThreshold int

	Logger Logger
	Hooks  Hooks
}

const (
	// DefaultMaxDeliveries matches the low end of spec.md §7's "5-100"
	// default range.
	DefaultMaxDeliveries   = 5
	defaultLeaseDuration   = 30 * time.Second
	defaultPollInterval    = 50 * time.Millisecond
	defaultCodecThreshold  = 512
	defaultDeadLetterQueue = "error"
)

// MemTransport is the in-memory reference transport: a process-wide named
// network (spec.md §6) with peek-lock receive semantics, optional
// prefetching, and optional lock renewal (mutually exclusive — see
// ReceiveMode).
type MemTransport struct {
	net     *Network
	address string
	cfg     MemTransportConfig
	retrier *Retrier

	local   chan *leasedMessage // prefetch buffer
	localMu sync.Mutex

	dead int32
}

// NewMemTransportFromConfig binds a MemTransport to address on net,
// deriving its MemTransportConfig from cfg's bus-level options
// (cfg.MemTransportConfig) rather than requiring the caller to hand-build
// a second, disconnected MemTransportConfig — the fix for spec.md §6's
// automaticallyRenewPeekLock/prefetch (and the adjoining codec/lease/
// dead-letter settings) actually reaching the transport NewBus is handed.
func NewMemTransportFromConfig(net *Network, address string, cfg *Config) *MemTransport {
	return NewMemTransport(net, address, cfg.MemTransportConfig())
}

// NewMemTransport binds a MemTransport to address on net. address == ""
// makes a send-only endpoint (Address returns "").
func NewMemTransport(net *Network, address string, cfg MemTransportConfig) *MemTransport {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	if cfg.DeadLetterAddress == "" {
		cfg.DeadLetterAddress = defaultDeadLetterQueue
	}
	if cfg.CodecThreshold <= 0 {
		cfg.CodecThreshold = defaultCodecThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	t := &MemTransport{net: net, address: address, cfg: cfg, retrier: NewRetrier()}
	if address != "" {
		net.ensureQueue(address)
	}
	if cfg.Mode.kind == receiveModePrefetch {
		n := cfg.Mode.prefetch
		if n <= 0 {
			n = 1
		}
		t.local = make(chan *leasedMessage, n)
	}
	return t
}

func (t *MemTransport) Address() string { return t.address }

// CreateQueue ensures address exists on the network.
func (t *MemTransport) CreateQueue(ctx context.Context, address string) error {
	if atomic.LoadInt32(&t.dead) == 1 {
		return ErrTransportDead
	}
	t.net.ensureQueue(address)
	return nil
}

// Send buffers msg on tx's outbox; the actual network write happens when
// tx commits, via a callback registered here (spec.md §4.A "no I/O occurs
// until tx.onCommitted fires").
func (t *MemTransport) Send(ctx context.Context, destination string, msg *TransportMessage, tx *TransactionContext) error {
	if atomic.LoadInt32(&t.dead) == 1 {
		return ErrTransportDead
	}
	bufferSend(tx, destination, msg)
	tx.OnCommitted(func() error {
		return flushOutbox(tx, func(dest string, msgs []*TransportMessage) error {
			for _, m := range msgs {
				if err := t.deliver(ctx, dest, m); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return nil
}

// deliver actually writes m to dest, through the Retrier and the
// configured codec, truncating outbound headers.
func (t *MemTransport) deliver(ctx context.Context, dest string, m *TransportMessage) error {
	return t.retrier.Execute(ctx, func() error {
		out := m.Clone()
		out.Headers = m.OutboundHeaders()
		if t.cfg.Codec != nil && len(out.Body) > t.cfg.CodecThreshold {
			compressed, err := t.cfg.Codec.Compress(out.Body)
			if err != nil {
				return err
			}
			out.Body = compressed
			out.Headers[HeaderContentType] = withCodecParam(out.Headers[HeaderContentType], t.cfg.Codec.Name())
		}
		t.net.enqueue(dest, out, 0)
		t.cfg.Hooks.each(func(h Hook) {
			if h, ok := h.(MessageSentHook); ok {
				h.OnMessageSent(dest, out)
			}
		})
		t.cfg.Logger.Log(LogLevelDebug, "message sent", "destination", dest, "msg-id", out.Headers[HeaderMessageID])
		return nil
	})
}

// Receive implements peek-lock: the returned message is invisible to
// other consumers until tx commits or aborts. Prefetching and lock
// renewal are mutually exclusive (spec.md §9).
func (t *MemTransport) Receive(ctx context.Context, tx *TransactionContext) (*TransportMessage, error) {
	if atomic.LoadInt32(&t.dead) == 1 {
		return nil, ErrTransportDead
	}
	if t.address == "" {
		return nil, ErrNoMessage
	}

	var lm *leasedMessage
	if t.cfg.Mode.kind == receiveModePrefetch {
		var err error
		lm, err = t.receivePrefetched(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		lm = t.net.tryTake(t.address, time.Now().Add(t.cfg.LeaseDuration))
		if lm == nil {
			select {
			case <-time.After(defaultPollInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, ErrNoMessage
		}
	}

	if err := t.decompress(lm.msg); err != nil {
		return nil, err
	}

	if lm.deliveryCount > t.cfg.MaxDeliveries {
		return nil, t.deadLetter(ctx, tx, lm)
	}

	address := t.address
	t.registerLeaseCallbacks(ctx, tx, address, lm)

	t.cfg.Hooks.each(func(h Hook) {
		if h, ok := h.(MessageReceivedHook); ok {
			h.OnMessageReceived(lm.msg)
		}
	})
	return lm.msg, nil
}

// registerLeaseCallbacks wires ack-on-commit / abandon-on-abort, and
// starts the lock-renewal task when configured.
func (t *MemTransport) registerLeaseCallbacks(ctx context.Context, tx *TransactionContext, address string, lm *leasedMessage) {
	renewalDone := make(chan struct{})
	if t.cfg.Mode.kind == receiveModeRenewOnLease {
		go t.renewLoop(tx, lm, renewalDone)
	} else {
		close(renewalDone)
	}

	tx.OnCommitted(func() error {
		t.net.ack(address, lm)
		return nil
	})
	tx.OnAborted(func() error {
		t.net.abandon(address, lm)
		return nil
	})
	tx.OnDisposed(func() error {
		<-renewalDone
		return nil
	})
}

// renewLoop renews lm's lease at 80% of the remaining lease interval,
// recomputing the interval from the actual lease expiry after each
// renewal rather than freezing it at receive time — the redesign chosen
// in DESIGN.md for spec.md §9's first open question, since a fixed
// interval under-renews very long handlers.
func (t *MemTransport) renewLoop(tx *TransactionContext, lm *leasedMessage, done chan struct{}) {
	defer close(done)
	for {
		remaining := time.Until(lm.leasedUntil)
		if remaining <= 0 {
			return
		}
		wait := time.Duration(float64(remaining) * 0.8)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-txDone(tx):
			timer.Stop()
			return
		}
		if !tx.IsActive() {
			return
		}
		t.net.renew(lm, time.Now().Add(t.cfg.LeaseDuration))
	}
}

// txDone returns a channel closed once tx leaves the active state. It
// polls at a short interval; TransactionContext intentionally exposes no
// native "done" channel since most transports never need one.
func txDone(tx *TransactionContext) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for tx.IsActive() {
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return ch
}

// receivePrefetched drains the local buffer first, refilling it from the
// network (up to the configured N, 1s server-side timeout) when empty.
func (t *MemTransport) receivePrefetched(ctx context.Context) (*leasedMessage, error) {
	select {
	case lm := <-t.local:
		return lm, nil
	default:
	}

	t.localMu.Lock()
	defer t.localMu.Unlock()
	select {
	case lm := <-t.local:
		return lm, nil
	default:
	}

	// Server-side fetch budget: spec.md §4.A prefetch refills with a 1s
	// timeout. The in-memory network answers instantly, so the timeout
	// only bounds how long we wait before giving up on an empty queue.
	fetchCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	n := cap(t.local)
	fetched := 0
	for i := 0; i < n; i++ {
		select {
		case <-fetchCtx.Done():
		default:
			if lm := t.net.tryTake(t.address, time.Now().Add(t.cfg.LeaseDuration)); lm != nil {
				t.local <- lm
				fetched++
				continue
			}
		}
		break
	}
	if fetched == 0 {
		return nil, ErrNoMessage
	}
	return <-t.local, nil
}

// deadLetter forwards a poison message to cfg.DeadLetterAddress with its
// original headers plus rbs2-error-details (spec.md §7, §8 scenario 6),
// and acks the original so it leaves the source queue.
func (t *MemTransport) deadLetter(ctx context.Context, tx *TransactionContext, lm *leasedMessage) error {
	dl := lm.msg.Clone()
	dl.Headers[HeaderErrorDetails] = fmt.Sprintf("exceeded max deliveries (%d)", t.cfg.MaxDeliveries)
	dl.Headers[HeaderContentFingerprint] = ContentFingerprint(dl.Headers[HeaderMessageType], dl.Body)
	t.net.enqueue(t.cfg.DeadLetterAddress, dl, 0)
	t.net.ack(t.address, lm)
	t.cfg.Hooks.each(func(h Hook) {
		if h, ok := h.(MessageDeadLetteredHook); ok {
			h.OnMessageDeadLettered(dl, fmt.Errorf("max deliveries exceeded"))
		}
	})
	return ErrNoMessage
}

func (t *MemTransport) decompress(m *TransportMessage) error {
	codecName, _ := codecParam(m.Headers[HeaderContentType])
	if codecName == "" || codecName == codecIdentity {
		return nil
	}
	codec, ok := codecByName(codecName)
	if !ok {
		return &FormatError{Err: fmt.Errorf("unknown codec %q", codecName)}
	}
	body, err := codec.Decompress(m.Body)
	if err != nil {
		return &FormatError{Err: err}
	}
	m.Body = body
	return nil
}

// Dispose abandons any locally prefetched-but-unhandled messages (spec.md
// §4.A invariant) and marks the transport dead.
func (t *MemTransport) Dispose() error {
	if !atomic.CompareAndSwapInt32(&t.dead, 0, 1) {
		return nil
	}
	if t.local != nil {
		for {
			select {
			case lm := <-t.local:
				t.net.abandon(t.address, lm)
			default:
				return nil
			}
		}
	}
	return nil
}

var _ Transport = (*MemTransport)(nil)
