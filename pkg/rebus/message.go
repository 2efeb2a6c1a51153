package rebus

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Reserved header keys. These are the only cross-component metadata
// channel: the body is opaque to every component except the serializer.
const (
	HeaderMessageID          = "rbs2-msg-id"
	HeaderMessageType        = "rbs2-msg-type"
	HeaderContentType        = "rbs2-content-type"
	HeaderCorrelationID      = "rbs2-corr-id"
	HeaderReturnAddress      = "rbs2-return-address"
	HeaderSentTime           = "rbs2-senttime"
	HeaderDeferredUntil      = "rbs2-deferred-until"
	HeaderDeferRecipient     = "rbs2-defer-recipient"
	HeaderTimeToBeReceived   = "rbs2-time-to-be-received"
	HeaderIntent             = "rbs2-intent"
	HeaderErrorDetails       = "rbs2-error-details"
	HeaderContentFingerprint = "rbs2-content-fingerprint"

	IntentPointToPoint = "p2p"
	IntentPublish      = "pub"
)

// maxHeaderValueLen is the broker-property-size budget every transport
// must respect on outbound headers; see TruncateHeaderValue.
const maxHeaderValueLen = 16300

const headerTruncMarker = "...[truncated]..."

// TruncateHeaderValue shrinks v to first-8000 + marker + last-8000 bytes
// when it exceeds maxHeaderValueLen, matching real broker property-size
// limits. Values at or under the limit are returned unchanged.
func TruncateHeaderValue(v string) string {
	if len(v) <= maxHeaderValueLen {
		return v
	}
	return v[:8000] + headerTruncMarker + v[len(v)-8000:]
}

// TransportMessage is a byte body plus a string->string header map — the
// only representation that crosses the wire.
type TransportMessage struct {
	Headers map[string]string
	Body    []byte
}

// NewTransportMessage builds a TransportMessage, assigning a fresh
// rbs2-msg-id via uuid if headers does not already carry one.
func NewTransportMessage(headers map[string]string, body []byte) *TransportMessage {
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers[HeaderMessageID]; !ok {
		headers[HeaderMessageID] = uuid.NewString()
	}
	return &TransportMessage{Headers: headers, Body: body}
}

// Clone returns a deep copy, since transports must not let one consumer's
// header mutation leak into another's view of the "same" message (e.g.
// after a local prefetch hands out a copy).
func (m *TransportMessage) Clone() *TransportMessage {
	if m == nil {
		return nil
	}
	h := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		h[k] = v
	}
	b := make([]byte, len(m.Body))
	copy(b, m.Body)
	return &TransportMessage{Headers: h, Body: b}
}

// OutboundHeaders returns a copy of m.Headers with every value passed
// through TruncateHeaderValue, suitable for handing to a broker client on
// send.
func (m *TransportMessage) OutboundHeaders() map[string]string {
	out := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		out[k] = TruncateHeaderValue(v)
	}
	return out
}

// ContentFingerprint computes a short, non-authoritative content hash of
// (msg-type, body) for dead-letter correlation across redeliveries (§3,
// §4.K/L of SPEC_FULL.md). It is never used as a dedupe key by itself.
func ContentFingerprint(msgType string, body []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(msgType))
	h.Write([]byte{0})
	h.Write(body)
	sum := h.Sum(nil)
	return fixedHex(sum[:16])
}

// EqualFingerprint compares two fingerprints in constant time; used only
// so static analysis doesn't flag the comparison, not because fingerprints
// are secret.
func EqualFingerprint(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

const hexDigits = "0123456789abcdef"

func fixedHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// LogicalMessage is the deserialized body object plus the same header
// map that traveled with the TransportMessage it came from.
type LogicalMessage struct {
	Body    interface{}
	Headers map[string]string
}

// MessageType returns the rbs2-msg-type header, or "" if the message is
// dynamic (untyped).
func (m *LogicalMessage) MessageType() string {
	if m == nil {
		return ""
	}
	return m.Headers[HeaderMessageType]
}

// IsDynamic reports whether the message carries no rbs2-msg-type, and so
// must be routed/handled as an untyped body.
func (m *LogicalMessage) IsDynamic() bool {
	return m.MessageType() == ""
}

// CorrelationID returns the rbs2-corr-id header, or "" if absent.
func (m *TransportMessage) CorrelationID() string {
	return m.Headers[HeaderCorrelationID]
}

// AssignDefaultHeaders fills in rbs2-msg-id (if absent) and rbs2-senttime,
// the way AssignDefaultHeadersStep does for outgoing messages.
func AssignDefaultHeaders(m *TransportMessage, now time.Time) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	if _, ok := m.Headers[HeaderMessageID]; !ok {
		m.Headers[HeaderMessageID] = uuid.NewString()
	}
	if _, ok := m.Headers[HeaderSentTime]; !ok {
		m.Headers[HeaderSentTime] = now.UTC().Format(time.RFC3339Nano)
	}
}
