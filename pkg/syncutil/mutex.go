// Package syncutil provides a FIFO mutex with context support.
package syncutil

import (
	"context"
	"sync"
)

// Mutex is a FIFO lock. Each Lock call chains onto the previous
// holder's release channel, so acquirers are served in call order.
// The zero value is ready to use.
type Mutex struct {
	mu   sync.Mutex
	tail chan struct{}
}

// Lock blocks until the lock is held or the context is canceled.
// The returned function releases the lock and must be called exactly
// once, on every path including errors.
func (m *Mutex) Lock(ctx context.Context) (func(), error) {
	ch := make(chan struct{})

	m.mu.Lock()
	prev := m.tail
	m.tail = ch
	m.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep the chain intact for later acquirers.
			go func() {
				<-prev
				close(ch)
			}()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}, nil
}
