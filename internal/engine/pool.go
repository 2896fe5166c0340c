package engine

import (
	"sync"
)

// workQueue is an unbounded FIFO of functions. Submitting never blocks, so
// the engine loop can hand out work while workers are busy.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

// pop blocks until there is work or the queue is closed and drained.
func (q *workQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TaskPool runs work on a fixed set of goroutines. Work submitted under the
// same id always runs on the same goroutine, in submission order, which
// keeps everything done on behalf of one connection sequential.
type TaskPool struct {
	queues []*workQueue
	wg     sync.WaitGroup
}

// NewTaskPool starts n workers.
func NewTaskPool(n int) *TaskPool {
	n = max(n, 1)
	p := &TaskPool{queues: make([]*workQueue, n)}
	for i := range p.queues {
		q := newWorkQueue()
		p.queues[i] = q
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			runQueue(q)
		}()
	}
	return p
}

func runQueue(q *workQueue) {
	for {
		fn, ok := q.pop()
		if !ok {
			return
		}
		fn()
	}
}

// Size is the number of workers.
func (p *TaskPool) Size() int { return len(p.queues) }

// Worker returns the index of the worker that runs work for id.
func (p *TaskPool) Worker(id uint64) int { return int(id % uint64(len(p.queues))) }

// Submit queues fn on the worker for id. It returns false after Close.
func (p *TaskPool) Submit(id uint64, fn func()) bool {
	return p.queues[p.Worker(id)].push(fn)
}

// Close stops accepting work and waits for queued work to finish.
func (p *TaskPool) Close() {
	for _, q := range p.queues {
		q.close()
	}
	p.wg.Wait()
}

// ActionPool runs work on whichever of its goroutines is free first.
type ActionPool struct {
	queue *workQueue
	wg    sync.WaitGroup
}

// NewActionPool starts n workers sharing one queue.
func NewActionPool(n int) *ActionPool {
	p := &ActionPool{queue: newWorkQueue()}
	for range max(n, 1) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			runQueue(p.queue)
		}()
	}
	return p
}

// Submit queues fn. It returns false after Close.
func (p *ActionPool) Submit(fn func()) bool { return p.queue.push(fn) }

// Queued is the number of actions waiting for a worker.
func (p *ActionPool) Queued() int { return p.queue.len() }

// Close stops accepting work and waits for queued work to finish.
func (p *ActionPool) Close() {
	p.queue.close()
	p.wg.Wait()
}
