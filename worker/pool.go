package worker

import (
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Submit once the pool stopped accepting work.
var ErrStopped = errors.New("worker pool stopped")

// Pool runs submitted tasks on a fixed number of goroutines. Submit never
// blocks: tasks wait in an unbounded queue until a worker is free.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   Queue[func()]
	stopped bool
	wg      sync.WaitGroup
}

// NewPool starts size workers.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	return p
}

// Submit queues task for execution.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.tasks.Push(task)
	p.cond.Signal()
	return nil
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.tasks.Len() == 0 && !p.stopped {
			p.cond.Wait()
		}
		task, ok := p.tasks.Pop()
		p.mu.Unlock()
		if !ok {
			return // stopped and drained
		}
		task()
	}
}

// Stop refuses new tasks and waits up to grace for queued and running tasks
// to finish. It reports whether they all finished in time; workers still busy
// after grace finish in the background.
func (p *Pool) Stop(grace time.Duration) bool {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}
