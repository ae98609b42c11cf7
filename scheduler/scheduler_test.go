package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newNop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func count(n *int32) TaskFn {
	return func(context.Context) error {
		atomic.AddInt32(n, 1)
		return nil
	}
}

func TestAddTicker_Fires(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var n int32
	s.AddTicker("tick", 20*time.Millisecond, count(&n))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 3 }, time.Second, 10*time.Millisecond)
}

func TestAddTicker_Replaces(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var count1, count2 int32
	s.AddTicker("task", 20*time.Millisecond, count(&count1))
	time.Sleep(30 * time.Millisecond)
	s.AddTicker("task", 20*time.Millisecond, count(&count2))
	time.Sleep(80 * time.Millisecond)

	// Old ticker should have stopped, new one should be running
	snap1 := atomic.LoadInt32(&count1)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, snap1, atomic.LoadInt32(&count1), "old ticker must stop after replacement")
	assert.Positive(t, atomic.LoadInt32(&count2))
}

func TestRemove_Ticker(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var n int32
	s.AddTicker("task", 20*time.Millisecond, count(&n))
	time.Sleep(50 * time.Millisecond)
	s.Remove("task")
	time.Sleep(30 * time.Millisecond)
	snap := atomic.LoadInt32(&n)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, snap, atomic.LoadInt32(&n), "ticker must stop after Remove")
}

func TestRemove_NonExistent(t *testing.T) {
	s := New(newNop())
	defer s.Stop()
	s.Remove("nope")
}

func TestStop_WaitsAndStopsAll(t *testing.T) {
	s := New(newNop())

	var c1, c2 int32
	s.AddTicker("a", 20*time.Millisecond, count(&c1))
	s.AddTicker("b", 20*time.Millisecond, count(&c2))
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	snap1, snap2 := atomic.LoadInt32(&c1), atomic.LoadInt32(&c2)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, snap1, atomic.LoadInt32(&c1))
	assert.Equal(t, snap2, atomic.LoadInt32(&c2))
}

func TestStop_Idempotent(t *testing.T) {
	s := New(newNop())
	s.Stop()
	s.Stop()
}

func TestStop_CancelsRunningTask(t *testing.T) {
	s := New(newNop())
	started := make(chan struct{})
	var canceled int32
	s.AddTicker("slow", 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		atomic.StoreInt32(&canceled, 1)
		return ctx.Err()
	})
	<-started
	s.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&canceled))
}

func TestListTickers(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	require.Empty(t, s.ListTickers())
	s.AddTicker("beta", time.Hour, count(new(int32)))
	s.AddTicker("alpha", time.Hour, count(new(int32)))
	assert.Equal(t, []string{"alpha", "beta"}, s.ListTickers())

	s.Remove("alpha")
	assert.Equal(t, []string{"beta"}, s.ListTickers())
}

func TestStats_CountsFailuresAndPanics(t *testing.T) {
	s := New(newNop())
	defer s.Stop()

	var n int32
	s.AddTicker("flaky", 15*time.Millisecond, func(context.Context) error {
		switch atomic.AddInt32(&n, 1) {
		case 1:
			return errors.New("store down")
		case 2:
			panic("oops")
		}
		return nil
	})

	require.Eventually(t, func() bool { return s.Stats()["flaky"].Runs >= 3 }, time.Second, 5*time.Millisecond)
	st := s.Stats()["flaky"]
	assert.Equal(t, int64(2), st.Failures)
	assert.Empty(t, st.LastErr)
	assert.Equal(t, 15*time.Millisecond, st.Interval)
}
