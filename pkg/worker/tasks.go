package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/log"
)

// ErrPoolFull indicates a submit beyond the pool's fixed capacity.
var ErrPoolFull = errors.New("task pool is full")

// ErrPoolClosed indicates a submit after shutdown began.
var ErrPoolClosed = errors.New("task pool is shut down")

// Task is a long-running periodic job owned by the worker process. Run
// blocks until Stop is called; Stop must be safe to call more than once.
type Task interface {
	Name() string
	Run()
	Stop()
}

// Pool runs a fixed number of tasks, one goroutine each. Capacity is
// set once at construction; there is no queueing.
type Pool struct {
	capacity int

	mu       sync.Mutex
	tasks    []Task
	shutdown bool

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool creates a task pool with room for capacity tasks.
func NewPool(capacity int) *Pool {
	return &Pool{
		capacity: capacity,
		logger:   log.WithComponent("task-pool"),
	}
}

// Submit starts the task on its own goroutine. Fails if the pool is at
// capacity or already shut down.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrPoolClosed
	}
	if len(p.tasks) >= p.capacity {
		return fmt.Errorf("submit %s: %w", t.Name(), ErrPoolFull)
	}
	p.tasks = append(p.tasks, t)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Debug().Str("task", t.Name()).Msg("task started")
		t.Run()
		p.logger.Debug().Str("task", t.Name()).Msg("task finished")
	}()
	return nil
}

// Running returns the number of tasks submitted to the pool.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Shutdown stops every task and waits up to timeout for their
// goroutines to finish. Safe to call more than once.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	p.shutdown = true
	tasks := p.tasks
	p.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("task pool did not drain within %s", timeout)
	}
}
