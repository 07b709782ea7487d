package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutexSerializes(t *testing.T) {
	var m Mutex
	var wg sync.WaitGroup

	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background())
			require.NoError(t, err)
			defer unlock()

			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	require.Equal(t, 100, counter)
}

func TestMutexFIFO(t *testing.T) {
	var m Mutex

	unlock, err := m.Lock(context.Background())
	require.NoError(t, err)

	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background())
			require.NoError(t, err)
			order = append(order, i)
			unlock()
		}()
		// Give each goroutine time to enqueue before the next one.
		time.Sleep(10 * time.Millisecond)
	}

	unlock()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMutexCanceled(t *testing.T) {
	var m Mutex

	unlock, err := m.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Lock(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The chain must survive an aborted acquire.
	unlock()
	unlock2, err := m.Lock(context.Background())
	require.NoError(t, err)
	unlock2()
}
