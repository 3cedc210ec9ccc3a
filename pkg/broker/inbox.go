package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// awaitInbox blocks until an item arrives on inbox, wait elapses or ctx
// is done. ok is false on timeout.
func awaitInbox[T any](ctx context.Context, inbox <-chan T, done <-chan struct{}, wait time.Duration) (item T, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return item, false, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case item = <-inbox:
		return item, true, nil
	case <-timer.C:
		return item, false, nil
	case <-done:
		return item, false, ErrClientClosed
	case <-ctx.Done():
		return item, false, ctx.Err()
	}
}

// pendingAcks maps lock tokens handed out with inbound messages to the
// transport handle needed to acknowledge them. A token can be taken once.
type pendingAcks[T any] struct {
	mu      sync.Mutex
	pending map[string]T
}

func newPendingAcks[T any]() *pendingAcks[T] {
	return &pendingAcks[T]{pending: make(map[string]T)}
}

func (p *pendingAcks[T]) put(handle T) string {
	token := uuid.NewString()
	p.mu.Lock()
	p.pending[token] = handle
	p.mu.Unlock()
	return token
}

func (p *pendingAcks[T]) take(token string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle, ok := p.pending[token]
	if ok {
		delete(p.pending, token)
	}
	return handle, ok
}

func (p *pendingAcks[T]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
