package clock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockDispatchesToAllHandlers(t *testing.T) {
	c := New(0.02, nil)

	var a, b int32
	var wg sync.WaitGroup
	wg.Add(2)
	c.AddTickHandler(func(nowMS float64) { atomic.AddInt32(&a, 1); wg.Done() })
	c.AddTickHandler(func(nowMS float64) { atomic.AddInt32(&b, 1); wg.Done() })

	c.Start()
	defer c.Stop()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first tick to reach both handlers")
	}

	require.GreaterOrEqual(t, atomic.LoadInt32(&a), int32(1))
	require.GreaterOrEqual(t, atomic.LoadInt32(&b), int32(1))
}

func TestClockSwallowsHandlerPanic(t *testing.T) {
	c := New(0.02, nil)

	var survived int32
	c.AddTickHandler(func(nowMS float64) { panic("boom") })
	c.AddTickHandler(func(nowMS float64) { atomic.StoreInt32(&survived, 1) })

	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&survived) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClockStopIsCooperativeAndIdempotent(t *testing.T) {
	c := New(0.02, nil)
	c.AddTickHandler(func(nowMS float64) {})
	c.Start()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	require.NotPanics(t, func() { c.Stop() })
}

func TestClockStartIsIdempotent(t *testing.T) {
	c := New(0.02, nil)
	c.Start()
	c.Start()
	c.Stop()
}
