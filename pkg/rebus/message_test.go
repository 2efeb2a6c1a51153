package rebus

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestTruncateHeaderValue(t *testing.T) {
	short := "hello"
	require.Equal(t, short, TruncateHeaderValue(short))

	long := strings.Repeat("a", maxHeaderValueLen+500)
	got := TruncateHeaderValue(long)
	require.LessOrEqual(t, len(got), maxHeaderValueLen+len(headerTruncMarker))
	require.True(t, strings.HasPrefix(got, strings.Repeat("a", 8000)))
	require.Contains(t, got, headerTruncMarker)
}

func TestContentFingerprintStableAndSensitive(t *testing.T) {
	a := ContentFingerprint("OrderPlaced", []byte(`{"id":1}`))
	b := ContentFingerprint("OrderPlaced", []byte(`{"id":1}`))
	c := ContentFingerprint("OrderPlaced", []byte(`{"id":2}`))
	d := ContentFingerprint("OrderCancelled", []byte(`{"id":1}`))

	require.True(t, EqualFingerprint(a, b))
	require.False(t, EqualFingerprint(a, c))
	require.False(t, EqualFingerprint(a, d))
}

func TestTransportMessageClone(t *testing.T) {
	orig := NewTransportMessage(map[string]string{"x": "1"}, []byte("body"))
	clone := orig.Clone()

	clone.Headers["x"] = "2"
	clone.Body[0] = 'B'

	require.Equal(t, "1", orig.Headers["x"])
	require.Equal(t, byte('b'), orig.Body[0])
}

func TestTransportMessageCloneIsDeepCopy(t *testing.T) {
	orig := NewTransportMessage(map[string]string{"x": "1", "y": "2"}, []byte("body"))
	clone := orig.Clone()

	if diff := cmp.Diff(orig, clone); diff != "" {
		t.Fatalf("clone diverged from original before mutation (-orig +clone):\n%s", diff)
	}

	clone.Headers["x"] = "mutated"
	if diff := cmp.Diff(orig, clone); diff == "" {
		t.Fatal("mutating clone.Headers should not leave clone identical to orig")
	}
}

func TestLogicalMessageIsDynamic(t *testing.T) {
	typed := &LogicalMessage{Headers: map[string]string{HeaderMessageType: "OrderPlaced"}}
	dynamic := &LogicalMessage{Headers: map[string]string{}}

	require.False(t, typed.IsDynamic())
	require.True(t, dynamic.IsDynamic())
}
