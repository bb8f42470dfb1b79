package infra

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanPool_BlocksAtCapacity(t *testing.T) {
	p := NewChanPool(2)
	assert.Equal(t, 2, p.Cap())

	r1, ok := p.Acquire(context.Background())
	require.True(t, ok)
	r2, ok := p.Acquire(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, p.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok = p.Acquire(ctx)
	assert.False(t, ok)

	r1()
	r3, ok := p.Acquire(context.Background())
	require.True(t, ok)
	r2()
	r3()
	assert.Equal(t, 0, p.InUse())
}

func TestChanPool_MinimumCapacityIsOne(t *testing.T) {
	assert.Equal(t, 1, NewChanPool(0).Cap())
	assert.Equal(t, 1, NewChanPool(-3).Cap())
}

func TestChanPool_CanceledContextNeverAcquires(t *testing.T) {
	p := NewChanPool(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		_, ok := p.Acquire(ctx)
		require.False(t, ok)
	}
	assert.Equal(t, 0, p.InUse())
}

func TestPacer_SpacesConsecutiveWaits(t *testing.T) {
	const interval = 10 * time.Millisecond
	p := NewPacer(interval)
	assert.Equal(t, interval, p.Interval())

	var stamps []time.Time
	for i := 0; i < 60; i++ {
		require.NoError(t, p.Wait(context.Background()))
		stamps = append(stamps, time.Now())
	}

	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), interval, "gap %d", i)
	}
}

func TestPacer_LateCallerDoesNotShortenNextGap(t *testing.T) {
	const interval = 30 * time.Millisecond
	p := NewPacer(interval)

	require.NoError(t, p.Wait(context.Background()))
	// chega atrasado: o próximo despacho conta a partir de agora, não do horário planejado
	time.Sleep(45 * time.Millisecond)
	require.NoError(t, p.Wait(context.Background()))
	late := time.Now()

	require.NoError(t, p.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(late), interval)
}

func TestPacer_CanceledWaitKeepsSpacing(t *testing.T) {
	const interval = 50 * time.Millisecond
	p := NewPacer(interval)
	require.NoError(t, p.Wait(context.Background()))
	first := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, p.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(first), interval)
}

func TestPacer_ConcurrentCallersAreSerialized(t *testing.T) {
	const interval = 15 * time.Millisecond
	p := NewPacer(interval)

	var (
		mu     sync.Mutex
		stamps []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Wait(context.Background()); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, stamps, 6)
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	assert.GreaterOrEqual(t, stamps[5].Sub(stamps[0]), 5*interval)
}

func TestPacer_ZeroIntervalDoesNotWait(t *testing.T) {
	p := NewPacer(0)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPacer_WaitHonorsContext(t *testing.T) {
	p := NewPacer(time.Hour)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx))
}
