package memory

import (
	"context"
	"fmt"
	"sync"
)

// rowLocks hands out one exclusive lock per row key ("sale:1", "product:7").
// Waiting honours context cancellation. A slot lives only while some
// transaction holds or waits for it.
type rowLocks struct {
	mu    sync.Mutex
	slots map[string]*rowSlot
}

type rowSlot struct {
	ch   chan struct{}
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[string]*rowSlot)}
}

func (l *rowLocks) join(key string) *rowSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &rowSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

// leave must be called with l.mu held.
func (l *rowLocks) leave(key string, slot *rowSlot) {
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *rowLocks) acquire(ctx context.Context, key string) error {
	slot := l.join(key)
	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.leave(key, slot)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *rowLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		panic(fmt.Sprintf("memory: release of unheld row lock %s", key))
	}
	select {
	case <-slot.ch:
	default:
		panic(fmt.Sprintf("memory: release of unheld row lock %s", key))
	}
	l.leave(key, slot)
}

func (l *rowLocks) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func saleKey(id int64) string {
	return fmt.Sprintf("sale:%d", id)
}

func productKey(id int64) string {
	return fmt.Sprintf("product:%d", id)
}
