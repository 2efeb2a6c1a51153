package rebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemTransportSendReceiveCommitRoundTrip(t *testing.T) {
	net := NewNetwork(t.Name())
	sender := NewMemTransport(net, "", MemTransportConfig{})
	receiver := NewMemTransport(net, "inbox", MemTransportConfig{})

	sendTx := NewTransactionContext()
	require.NoError(t, sender.Send(context.Background(), "inbox", NewTransportMessage(nil, []byte("hello")), sendTx))
	require.NoError(t, sendTx.Commit())
	require.NoError(t, sendTx.Dispose())

	recvTx := NewTransactionContext()
	msg, err := receiver.Receive(context.Background(), recvTx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg.Body))
	require.NoError(t, recvTx.Commit())
	require.NoError(t, recvTx.Dispose())

	recvTx2 := NewTransactionContext()
	_, err = receiver.Receive(context.Background(), recvTx2)
	require.ErrorIs(t, err, ErrNoMessage)
	recvTx2.Dispose()
}

func TestMemTransportAbortMakesMessageRedeliverable(t *testing.T) {
	net := NewNetwork(t.Name())
	sender := NewMemTransport(net, "", MemTransportConfig{})
	receiver := NewMemTransport(net, "inbox", MemTransportConfig{LeaseDuration: time.Hour})

	tx := NewTransactionContext()
	require.NoError(t, sender.Send(context.Background(), "inbox", NewTransportMessage(nil, []byte("x")), tx))
	require.NoError(t, tx.Commit())
	tx.Dispose()

	firstTx := NewTransactionContext()
	_, err := receiver.Receive(context.Background(), firstTx)
	require.NoError(t, err)
	require.NoError(t, firstTx.Abort())
	firstTx.Dispose()

	secondTx := NewTransactionContext()
	msg, err := receiver.Receive(context.Background(), secondTx)
	require.NoError(t, err)
	require.Equal(t, "x", string(msg.Body))
	secondTx.Commit()
	secondTx.Dispose()
}

func TestMemTransportDeadLettersAfterMaxDeliveries(t *testing.T) {
	net := NewNetwork(t.Name())
	sender := NewMemTransport(net, "", MemTransportConfig{})
	receiver := NewMemTransport(net, "inbox", MemTransportConfig{MaxDeliveries: 2, LeaseDuration: time.Millisecond})
	dlq := NewMemTransport(net, "error", MemTransportConfig{})

	tx := NewTransactionContext()
	require.NoError(t, sender.Send(context.Background(), "inbox", NewTransportMessage(nil, []byte("poison")), tx))
	require.NoError(t, tx.Commit())
	tx.Dispose()

	for i := 0; i < 2; i++ {
		abandonTx := NewTransactionContext()
		_, err := receiver.Receive(context.Background(), abandonTx)
		require.NoError(t, err)
		require.NoError(t, abandonTx.Abort())
		abandonTx.Dispose()
		time.Sleep(2 * time.Millisecond)
	}

	finalTx := NewTransactionContext()
	_, err := receiver.Receive(context.Background(), finalTx)
	require.ErrorIs(t, err, ErrNoMessage)
	finalTx.Dispose()

	dlqTx := NewTransactionContext()
	dead, err := dlq.Receive(context.Background(), dlqTx)
	require.NoError(t, err)
	require.Equal(t, "poison", string(dead.Body))
	require.NotEmpty(t, dead.Headers[HeaderErrorDetails])
	dlqTx.Commit()
	dlqTx.Dispose()
}

func TestMemTransportPrefetchDeliversMultiple(t *testing.T) {
	net := NewNetwork(t.Name())
	sender := NewMemTransport(net, "", MemTransportConfig{})
	receiver := NewMemTransport(net, "inbox", MemTransportConfig{Mode: ReceiveModePrefetch(5)})

	for i := 0; i < 3; i++ {
		tx := NewTransactionContext()
		require.NoError(t, sender.Send(context.Background(), "inbox", NewTransportMessage(nil, []byte{byte('a' + i)}), tx))
		require.NoError(t, tx.Commit())
		tx.Dispose()
	}

	seen := map[byte]bool{}
	for i := 0; i < 3; i++ {
		tx := NewTransactionContext()
		msg, err := receiver.Receive(context.Background(), tx)
		require.NoError(t, err)
		seen[msg.Body[0]] = true
		require.NoError(t, tx.Commit())
		tx.Dispose()
	}
	require.Len(t, seen, 3)
}

func TestMemTransportCodecRoundTrip(t *testing.T) {
	net := NewNetwork(t.Name())
	body := make([]byte, 2000)
	for i := range body {
		body[i] = byte(i % 251)
	}

	sender := NewMemTransport(net, "", MemTransportConfig{Codec: ZstdCodec, CodecThreshold: 10})
	receiver := NewMemTransport(net, "inbox", MemTransportConfig{})

	tx := NewTransactionContext()
	require.NoError(t, sender.Send(context.Background(), "inbox", NewTransportMessage(nil, body), tx))
	require.NoError(t, tx.Commit())
	tx.Dispose()

	recvTx := NewTransactionContext()
	msg, err := receiver.Receive(context.Background(), recvTx)
	require.NoError(t, err)
	require.Equal(t, body, msg.Body)
	recvTx.Commit()
	recvTx.Dispose()
}

func TestMemTransportDisposeAbandonsPrefetched(t *testing.T) {
	net := NewNetwork(t.Name())
	sender := NewMemTransport(net, "", MemTransportConfig{})
	receiver := NewMemTransport(net, "inbox", MemTransportConfig{Mode: ReceiveModePrefetch(5), LeaseDuration: time.Hour})

	for _, body := range []string{"y", "z"} {
		tx := NewTransactionContext()
		require.NoError(t, sender.Send(context.Background(), "inbox", NewTransportMessage(nil, []byte(body)), tx))
		require.NoError(t, tx.Commit())
		tx.Dispose()
	}

	// Pulls both messages into the local prefetch buffer; only the first
	// is actually handed to a caller.
	firstTx := NewTransactionContext()
	_, err := receiver.Receive(context.Background(), firstTx)
	require.NoError(t, err)

	require.NoError(t, receiver.Dispose())

	other := NewMemTransport(net, "inbox", MemTransportConfig{LeaseDuration: time.Hour})
	redeliverTx := NewTransactionContext()
	msg, err := other.Receive(context.Background(), redeliverTx)
	require.NoError(t, err)
	require.Equal(t, "z", string(msg.Body))
}
