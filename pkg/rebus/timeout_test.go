package rebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryTimeoutStoreOnlyReturnsDueRows(t *testing.T) {
	store := NewInMemoryTimeoutStore()
	now := time.Now()

	require.NoError(t, store.Defer(context.Background(), now.Add(-time.Minute), map[string]string{"id": "past"}, nil))
	require.NoError(t, store.Defer(context.Background(), now.Add(time.Hour), map[string]string{"id": "future"}, nil))

	batch, err := store.GetDueMessages(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, batch.Messages(), 1)
	require.Equal(t, "past", batch.Messages()[0].Headers["id"])
	batch.Messages()[0].MarkAsCompleted()
	batch.Dispose()

	batch2, err := store.GetDueMessages(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, batch2.Messages())
	batch2.Dispose()
}

func TestInMemoryTimeoutStoreOrdersByDueTimeThenInsertionOrder(t *testing.T) {
	store := NewInMemoryTimeoutStore()
	now := time.Now()

	require.NoError(t, store.Defer(context.Background(), now, map[string]string{"id": "b"}, nil))
	require.NoError(t, store.Defer(context.Background(), now, map[string]string{"id": "a"}, nil))
	require.NoError(t, store.Defer(context.Background(), now.Add(-time.Second), map[string]string{"id": "earliest"}, nil))

	batch, err := store.GetDueMessages(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, batch.Messages(), 3)
	require.Equal(t, "earliest", batch.Messages()[0].Headers["id"])
	require.Equal(t, "b", batch.Messages()[1].Headers["id"])
	require.Equal(t, "a", batch.Messages()[2].Headers["id"])
	batch.Dispose()
}

func TestDueBatchDisposeReleasesIncompleteRows(t *testing.T) {
	store := NewInMemoryTimeoutStore()
	now := time.Now()
	require.NoError(t, store.Defer(context.Background(), now, map[string]string{"id": "x"}, nil))

	batch, err := store.GetDueMessages(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, batch.Messages(), 1)
	batch.Dispose() // not marked complete

	batch2, err := store.GetDueMessages(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, batch2.Messages(), 1)
	batch2.Messages()[0].MarkAsCompleted()
	batch2.Dispose()

	batch3, err := store.GetDueMessages(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, batch3.Messages())
	batch3.Dispose()
}

func TestTimeoutWorkerRedeliversDueMessages(t *testing.T) {
	net := NewNetwork(t.Name())
	transport := NewMemTransport(net, "", MemTransportConfig{})
	recipient := NewMemTransport(net, "reminders", MemTransportConfig{})

	store := NewInMemoryTimeoutStore()
	require.NoError(t, store.Defer(context.Background(), time.Now().Add(-time.Millisecond),
		map[string]string{HeaderDeferRecipient: "reminders", HeaderMessageID: "m1"}, []byte("payload")))

	worker := NewTimeoutWorker(store, transport, 5*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go worker.Run(ctx)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		tx := NewTransactionContext()
		msg, err := recipient.Receive(context.Background(), tx)
		if err == nil {
			require.Equal(t, "payload", string(msg.Body))
			tx.Commit()
			tx.Dispose()
			return
		}
		tx.Dispose()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("due message was never redelivered")
}
