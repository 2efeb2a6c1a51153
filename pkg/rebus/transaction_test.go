package rebus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionCommitFiresCommittedThenCompleted(t *testing.T) {
	tx := NewTransactionContext()
	var order []string

	tx.OnCommitted(func() error { order = append(order, "committed"); return nil })
	tx.OnCompleted(func() error { order = append(order, "completed"); return nil })
	tx.OnAborted(func() error { order = append(order, "aborted"); return nil })
	tx.OnDisposed(func() error { order = append(order, "disposed"); return nil })

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Dispose())
	require.Equal(t, []string{"committed", "completed", "disposed"}, order)
}

func TestTransactionAbortSkipsCommittedCallbacks(t *testing.T) {
	tx := NewTransactionContext()
	var order []string

	tx.OnCommitted(func() error { order = append(order, "committed"); return nil })
	tx.OnAborted(func() error { order = append(order, "aborted"); return nil })

	require.NoError(t, tx.Abort())
	require.Equal(t, []string{"aborted"}, order)
}

func TestTransactionSecondTerminalCallIsNoop(t *testing.T) {
	tx := NewTransactionContext()
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), ErrTransactionTerminal)
	require.ErrorIs(t, tx.Abort(), ErrTransactionTerminal)
}

func TestTransactionDisposeRunsExactlyOnce(t *testing.T) {
	tx := NewTransactionContext()
	count := 0
	tx.OnDisposed(func() error { count++; return nil })

	require.NoError(t, tx.Dispose())
	require.NoError(t, tx.Dispose())
	require.Equal(t, 1, count)
}

func TestTransactionItemBag(t *testing.T) {
	tx := NewTransactionContext()
	calls := 0
	factory := func() interface{} { calls++; return "v" }

	v1 := tx.GetOrAdd("k", factory)
	v2 := tx.GetOrAdd("k", factory)
	require.Equal(t, v1, v2)
	require.Equal(t, 1, calls)

	_, ok := tx.Get("missing")
	require.False(t, ok)
}

func TestTransactionIsActive(t *testing.T) {
	tx := NewTransactionContext()
	require.True(t, tx.IsActive())
	require.NoError(t, tx.Commit())
	require.False(t, tx.IsActive())
}
