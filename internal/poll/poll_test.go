package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/botwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// scripted returns the sentinel for the first misses attempts, then value.
func scripted(sentinel string, misses int, value string) (CallFunc, *int) {
	calls := 0
	return func(context.Context) ([]byte, error) {
		calls++
		if calls <= misses {
			return []byte(sentinel), nil
		}
		return []byte(value), nil
	}, &calls
}

func TestZeroWaitStillAttemptsOnce(t *testing.T) {
	testlog.Start(t)
	call, calls := scripted(PointMiss, 10, "10|20")
	res, err := Until(context.Background(), "findImage", DefaultPolicy(), PointMiss, call)
	require.NoError(t, err)
	require.Equal(t, 1, *calls)
	require.False(t, res.Found)
	require.Equal(t, PointMiss, string(res.Reply))
}

func TestFindsValueWithinBudget(t *testing.T) {
	testlog.Start(t)
	const misses = 3
	interval := 10 * time.Millisecond
	call, calls := scripted(RectMiss, misses, "1|2|3|4")

	res, err := Until(context.Background(), "getElementRect", Policy{
		WaitTimeout: 100 * misses * interval,
		Interval:    interval,
	}, RectMiss, call)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "1|2|3|4", string(res.Reply))
	require.Equal(t, misses+1, *calls)
	require.Equal(t, misses+1, res.Attempts)
}

func TestGivesUpAfterBudget(t *testing.T) {
	testlog.Start(t)
	interval := 5 * time.Millisecond
	wait := 30 * time.Millisecond
	call, calls := scripted(Null, 1000, "hwnd")

	start := time.Now()
	res, err := Until(context.Background(), "findWindow", Policy{WaitTimeout: wait, Interval: interval}, Null, call)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.False(t, res.Found)
	require.GreaterOrEqual(t, elapsed, wait)
	require.Less(t, elapsed, 2*time.Second)
	require.Greater(t, *calls, 1)
	require.Less(t, *calls, 1000)
}

func TestTransportErrorStopsPolling(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	calls := 0
	_, err := Until(context.Background(), "clickElement", Policy{WaitTimeout: time.Second, Interval: time.Millisecond}, False,
		func(context.Context) ([]byte, error) {
			calls++
			return nil, boom
		})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestContextCancelInterruptsSleep(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	call, _ := scripted(False, 1000, "true")
	_, err := Until(ctx, "clickElement", Policy{WaitTimeout: time.Hour, Interval: time.Hour}, False, call)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
