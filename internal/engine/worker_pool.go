package engine

import (
	"sync"
)

// workerPool is a fixed-size goroutine pool with a bounded input queue.
// Workers run until the queue is closed by Drain, so every accepted job is
// processed exactly once.
type workerPool[T any] struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan T
	process func(T)
	wg      sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity capacity.
func newWorkerPool[T any](n, capacity int, fn func(T)) *workerPool[T] {
	p := &workerPool[T]{
		queue:   make(chan T, capacity),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.queue {
				p.process(j)
			}
		}()
	}
	return p
}

// Submit enqueues a job without blocking. It returns false if the queue is
// full or the pool is draining.
func (p *workerPool[T]) Submit(t T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Drain stops accepting jobs and waits for queued ones to finish.
func (p *workerPool[T]) Drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *workerPool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T]) QueueCap() int {
	return cap(p.queue)
}
