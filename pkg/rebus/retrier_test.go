package rebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	r := &Retrier{schedule: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}}
	attempts := 0

	err := r.Execute(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return Transient(errors.New("temporary"))
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetrierGivesUpOnNonTransientError(t *testing.T) {
	r := &Retrier{schedule: []time.Duration{time.Millisecond}}
	attempts := 0
	fatal := errors.New("fatal")

	err := r.Execute(context.Background(), func() error {
		attempts++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, attempts)
}

func TestRetrierExhaustsScheduleAndReturnsLastError(t *testing.T) {
	r := &Retrier{schedule: []time.Duration{time.Millisecond, time.Millisecond}}
	attempts := 0

	err := r.Execute(context.Background(), func() error {
		attempts++
		return Transient(errors.New("still failing"))
	})

	require.Error(t, err)
	require.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestRetrierCustomClassifier(t *testing.T) {
	var target *ConcurrencyConflictError
	r := NewRetrier().On(func(err error) bool {
		return errors.As(err, &target)
	})
	r.schedule = []time.Duration{time.Millisecond}

	attempts := 0
	err := r.Execute(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return &ConcurrencyConflictError{SagaID: "s1"}
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetrierRespectsContextCancellation(t *testing.T) {
	r := &Retrier{schedule: []time.Duration{time.Second}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Execute(ctx, func() error {
		return Transient(errors.New("retry me"))
	})
	require.ErrorIs(t, err, context.Canceled)
}
