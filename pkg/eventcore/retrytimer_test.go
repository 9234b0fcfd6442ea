package eventcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/stretchr/testify/require"
)

func TestRetryTimer_BacksOffUpToCap(t *testing.T) {
	rt := eventcore.NewRetryTimer(10*time.Millisecond, 2, 35*time.Millisecond)
	require.Equal(t, 10*time.Millisecond, rt.Current())

	rt.Backoff()
	require.Equal(t, 20*time.Millisecond, rt.Current())

	rt.Backoff()
	require.Equal(t, 35*time.Millisecond, rt.Current()) // capped, would be 40ms uncapped
	require.True(t, rt.AtCap())
}

func TestRetryTimer_ResetRestoresBase(t *testing.T) {
	rt := eventcore.NewRetryTimer(5*time.Millisecond, 2, 20*time.Millisecond)
	rt.Backoff()
	rt.Backoff()
	require.NotEqual(t, 5*time.Millisecond, rt.Current())

	rt.Reset()
	require.Equal(t, 5*time.Millisecond, rt.Current())
}

func TestRetryTimer_WaitRespectsContextCancellation(t *testing.T) {
	rt := eventcore.NewRetryTimer(time.Hour, 2, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := rt.Wait(ctx)
	require.Error(t, err)
}
