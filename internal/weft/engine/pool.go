package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weftworks/weft/internal/weft/metrics"
)

// Task is one unit of pool work. The worker passes its own name so the task
// can stamp it into the diagnostic context.
type Task func(worker string)

// Pool is the shared bounded worker pool every execution schedules on. Core
// workers live for the pool's lifetime; when the queue is full the pool grows
// with transient workers up to max, and past that the submitter runs the task
// itself (caller-runs).
type Pool struct {
	log    zerolog.Logger
	met    *metrics.Set
	tasks  chan Task
	drain  time.Duration
	prefix string

	mu      sync.Mutex
	closed  bool
	workers int
	max     int
	seq     int

	wg sync.WaitGroup
}

// NewPool starts core workers reading a queue of the given capacity. prefix
// names workers in logs; drain bounds how long Shutdown waits.
func NewPool(core, max, queue int, prefix string, drain time.Duration, log zerolog.Logger, met *metrics.Set) *Pool {
	if core < 1 {
		core = 1
	}
	if max < core {
		max = core
	}
	if queue < 1 {
		queue = 1
	}
	p := &Pool{
		log:     log,
		met:     met,
		tasks:   make(chan Task, queue),
		drain:   drain,
		prefix:  prefix,
		workers: core,
		max:     max,
		seq:     core,
	}
	for i := 0; i < core; i++ {
		p.wg.Add(1)
		go p.worker(fmt.Sprintf("%s%d", prefix, i))
	}
	return p
}

func (p *Pool) worker(name string) {
	defer p.wg.Done()
	for task := range p.tasks {
		task(name)
		p.met.SetQueueDepth(len(p.tasks))
	}
}

// Submit queues a task. On a full queue it grows the pool up to max; past
// that it runs the task on the calling goroutine. After Shutdown it returns
// RuntimeError{ExecutorShutdown}.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return runtimeErrf(ErrExecutorShutdown, "", "worker pool is shut down")
	}
	select {
	case p.tasks <- task:
		p.mu.Unlock()
		p.met.SetQueueDepth(len(p.tasks))
		return nil
	default:
	}
	if p.workers < p.max {
		p.workers++
		p.seq++
		name := fmt.Sprintf("%s%d", p.prefix, p.seq)
		p.wg.Add(1)
		go p.transient(name, task)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.met.CallerRan()
	p.log.Warn().Msg("worker queue saturated, running task on caller")
	task(p.prefix + "caller")
	return nil
}

// transient runs its seed task and then keeps draining until the queue goes
// idle, freeing its slot on exit.
func (p *Pool) transient(name string, seed Task) {
	defer p.wg.Done()
	seed(name)
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task(name)
		default:
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		}
	}
}

// Shutdown stops accepting tasks, lets queued ones drain, and waits up to the
// drain bound for workers to exit. It reports whether the drain completed in
// time. Safe to call more than once.
func (p *Pool) Shutdown() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	if p.drain <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(p.drain):
		p.log.Warn().Dur("bound", p.drain).Msg("worker pool drain exceeded termination bound")
		return false
	}
}
