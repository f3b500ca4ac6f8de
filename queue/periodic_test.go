package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeriodicSingleFlightCollapsesConcurrentTicks(t *testing.T) {
	var running, maxRunning, total int32
	block := make(chan struct{})

	p := NewPeriodic(PeriodicTask{
		Name:   "niche_sweep",
		Period: time.Hour,
		Run: func(ctx context.Context) error {
			cur := atomic.AddInt32(&running, 1)
			for {
				prev := atomic.LoadInt32(&maxRunning)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, cur) {
					break
				}
			}
			atomic.AddInt32(&total, 1)
			<-block
			atomic.AddInt32(&running, -1)
			return nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Fire(context.Background(), "niche_sweep")
		}()
	}
	// let the goroutines pile up on the single-flight guard
	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&maxRunning), "at most one in-flight run per task")
	require.Equal(t, int32(1), atomic.LoadInt32(&total), "concurrent ticks collapse, they are not queued")
}

func TestPeriodicSeparateTasksRunIndependently(t *testing.T) {
	var sweeps, audits int32
	p := NewPeriodic(
		PeriodicTask{Name: "niche_sweep", Period: time.Hour, Run: func(ctx context.Context) error {
			atomic.AddInt32(&sweeps, 1)
			return nil
		}},
		PeriodicTask{Name: "security_audit", Period: time.Hour, Run: func(ctx context.Context) error {
			atomic.AddInt32(&audits, 1)
			return nil
		}},
	)
	p.Fire(context.Background(), "niche_sweep")
	p.Fire(context.Background(), "security_audit")
	p.Fire(context.Background(), "niche_sweep")

	require.Equal(t, int32(2), atomic.LoadInt32(&sweeps))
	require.Equal(t, int32(1), atomic.LoadInt32(&audits))
}
