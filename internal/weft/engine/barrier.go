package engine

import (
	"context"
	"sync"
)

// barrier gates a join on its upstream branches. Each branch reports exactly
// once; a non-admitted failure short-circuits so the container can cancel the
// siblings without waiting for them.
type barrier struct {
	mu        sync.Mutex
	remaining map[string]bool
	failure   string

	short     chan struct{}
	all       chan struct{}
	shortOnce sync.Once
	allOnce   sync.Once
}

func newBarrier(upstream []string) *barrier {
	b := &barrier{
		remaining: make(map[string]bool, len(upstream)),
		short:     make(chan struct{}),
		all:       make(chan struct{}),
	}
	for _, id := range upstream {
		b.remaining[id] = true
	}
	if len(b.remaining) == 0 {
		b.allOnce.Do(func() { close(b.all) })
	}
	return b
}

// report records one branch outcome. failure is empty on success; admit keeps
// a failed branch from short-circuiting (COMPENSATE_AND_COMPLETE admits
// failed branches and lets the siblings finish).
func (b *barrier) report(root, failure string, admit bool) {
	b.mu.Lock()
	if !b.remaining[root] {
		b.mu.Unlock()
		return
	}
	delete(b.remaining, root)
	if failure != "" && b.failure == "" {
		b.failure = failure
	}
	done := len(b.remaining) == 0
	b.mu.Unlock()

	if failure != "" && !admit {
		b.shortOnce.Do(func() { close(b.short) })
	}
	if done {
		b.allOnce.Do(func() { close(b.all) })
	}
}

// wait blocks until every branch reported, a branch short-circuited, or ctx
// ended. It returns the recorded failure reason, empty on success.
func (b *barrier) wait(ctx context.Context) (string, error) {
	select {
	case <-b.all:
		return b.failureReason(), nil
	case <-b.short:
		return b.failureReason(), nil
	case <-ctx.Done():
		return b.failureReason(), ctx.Err()
	}
}

// drainAll blocks until every branch reported. Used after a short-circuit so
// no branch goroutine is still writing when the job finalizes.
func (b *barrier) drainAll() {
	<-b.all
}

func (b *barrier) failureReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}
