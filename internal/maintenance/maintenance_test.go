package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunOnceRunsEverySweep(t *testing.T) {
	var a, b int32
	sweeps := []Sweep{
		{Name: "a", Run: func(ctx context.Context) (int, error) {
			atomic.AddInt32(&a, 1)
			return 1, nil
		}},
		{Name: "b", Run: func(ctx context.Context) (int, error) {
			atomic.AddInt32(&b, 1)
			return 2, nil
		}},
	}

	s := NewScheduler(time.Hour, sweeps)
	s.RunOnce(context.Background())

	require.EqualValues(t, 1, atomic.LoadInt32(&a))
	require.EqualValues(t, 1, atomic.LoadInt32(&b))
}

func TestRunOnceContinuesPastFailingSweep(t *testing.T) {
	var ran bool
	sweeps := []Sweep{
		{Name: "failing", Run: func(ctx context.Context) (int, error) {
			return 0, errors.New("boom")
		}},
		{Name: "after", Run: func(ctx context.Context) (int, error) {
			ran = true
			return 0, nil
		}},
	}

	s := NewScheduler(time.Hour, sweeps)
	s.RunOnce(context.Background())

	require.True(t, ran)
}

func TestStartStopRunsAtLeastOnceAndStopsCleanly(t *testing.T) {
	var count int32
	sweeps := []Sweep{
		{Name: "ticking", Run: func(ctx context.Context) (int, error) {
			atomic.AddInt32(&count, 1)
			return 0, nil
		}},
	}

	s := NewScheduler(10*time.Millisecond, sweeps)
	s.Start()
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(1))

	after := atomic.LoadInt32(&count)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, atomic.LoadInt32(&count), "no sweep should run after Stop")
}
