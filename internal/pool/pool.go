package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Pool schedules named tasks by deadline across a fixed set of goroutines.
// Each task function returns the deadline of its next run; returning the
// zero time removes the task from the pool. Tasks with earlier deadlines
// always run before later ones, and adding a task while workers are parked
// wakes them so an earlier deadline takes effect immediately.
type Pool struct {
	mu    sync.Mutex
	queue []*task
	reg   map[string]*task
	wait  chan struct{}
}

type task struct {
	name     string
	fn       func(context.Context) time.Time
	deadline time.Time
	rerun    bool
}

func New(workers int) *Pool {
	pool := Pool{reg: make(map[string]*task)}

	for range workers {
		go pool.work()
	}

	return &pool
}

// Add registers fn under name with an immediate first deadline.
func (p *Pool) Add(name string, fn func(context.Context) time.Time) {
	p.enqueue(&task{name: name, fn: fn, deadline: time.Now()})
}

func (p *Pool) work() {
	for {
		ctx := context.Background()
		p.enqueue(p.dequeue().run(ctx))
	}
}

// Trigger schedules the named task to run now. If it is queued, its deadline
// is pulled forward; if it is not queued it must be running, so it is flagged
// to re-run immediately after the current run finishes. Later runs fall back
// to the deadlines returned by the task function.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return nil
	}
	// not queued, so it is running right now
	if t, ok := p.reg[n]; ok {
		t.rerun = true
		return nil
	}

	return fmt.Errorf("no task with name %s", n)
}

// sortAndWake requires p.mu to be held.
func (p *Pool) sortAndWake() {
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})

	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.deadline.IsZero() {
		// Task asked to leave the pool. A pending rerun flag cannot
		// resurrect it.
		delete(p.reg, t.name)
		return
	}

	if t.rerun {
		t.rerun = false
		t.deadline = time.Now()
	}

	p.reg[t.name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
}

func (p *Pool) dequeue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		var t *task
		if len(p.queue) == 0 {
			t = &task{name: "idle", deadline: time.Now().Add(time.Hour * 24 * 365)}
		} else {
			t = p.queue[0]
		}

		if t.deadline.After(time.Now()) {
			// Head of queue not due yet. Park until its deadline passes or
			// an earlier task arrives.

			if p.wait == nil {
				p.wait = make(chan struct{})
			}

			wait := p.wait

			p.mu.Unlock()

			select {
			case <-time.After(time.Until(t.deadline)):
			case <-wait:
			}

			p.mu.Lock()
			continue
		}

		break
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}

func (t *task) run(ctx context.Context) *task {
	t.deadline = t.fn(ctx)
	return t
}
