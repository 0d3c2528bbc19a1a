package util

import (
	"container/list"
	"context"
	"sync"
)

// Semaphore is a counting semaphore with a FIFO waiter queue. Release
// wakes the head of the queue, so waiters acquire in arrival order.
type Semaphore struct {
	mu      sync.Mutex
	free    int
	waiters *list.List // of chan struct{}
}

// NewSemaphore creates a Semaphore with the given number of slots.
func NewSemaphore(slots int) *Semaphore {
	if slots < 1 {
		slots = 1
	}
	return &Semaphore{
		free:    slots,
		waiters: list.New(),
	}
}

// Acquire takes a slot, blocking until one is free or the context is
// cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.free > 0 && s.waiters.Len() == 0 {
		s.free--
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := s.waiters.PushBack(ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ready:
			// Woken between cancellation and lock; hand the slot on
			s.mu.Unlock()
			s.Release()
			return ctx.Err()
		default:
		}
		s.waiters.Remove(elem)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking and reports whether it did.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free > 0 && s.waiters.Len() == 0 {
		s.free--
		return true
	}
	return false
}

// Release returns a slot, waking the head waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem := s.waiters.Front(); elem != nil {
		s.waiters.Remove(elem)
		close(elem.Value.(chan struct{}))
		return
	}
	s.free++
}
