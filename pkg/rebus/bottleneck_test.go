package rebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBottleneckAdmitsUpToLimit(t *testing.T) {
	b := NewBottleneck(2)
	ctx := context.Background()

	t1, err := b.Enter(ctx)
	require.NoError(t, err)
	t2, err := b.Enter(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, b.InFlight())

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = b.Enter(ctx2)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	t1.Release()
	require.Equal(t, 1, b.InFlight())
	t3, err := b.Enter(ctx)
	require.NoError(t, err)

	t2.Release()
	t3.Release()
}

func TestBottleneckReleaseIsIdempotent(t *testing.T) {
	b := NewBottleneck(1)
	tok, err := b.Enter(context.Background())
	require.NoError(t, err)

	tok.Release()
	tok.Release()
	require.Equal(t, 0, b.InFlight())
}

func TestBottleneckCloseRejectsNewEntries(t *testing.T) {
	b := NewBottleneck(1)
	b.Close()

	_, err := b.Enter(context.Background())
	require.ErrorIs(t, err, ErrTransportDead)
}
