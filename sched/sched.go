package sched

import (
	"container/heap"
	"math/rand/v2"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrShutdown is returned when a task is submitted after Shutdown.
	ErrShutdown = errors.New("pool is shut down")
	// ErrRejected is returned when all workers are busy and no new one may start.
	ErrRejected = errors.New("pool is saturated")
)

const defaultIdleTimeout = 10 * time.Second

// Config configures a Pool.
type Config struct {
	// MaxWorkers is the maximum number of concurrently live workers. Must be positive.
	MaxWorkers int
	// IdleTimeout is how long an idle worker waits for work before exiting.
	// Zero means the 10s default.
	IdleTimeout time.Duration
	// SaturationDump dumps all goroutine stacks to stderr when the pool rejects a task.
	SaturationDump bool
	// SaturationExit terminates the process when the pool rejects a task.
	SaturationExit bool
}

// Pool is a bounded worker pool with delay scheduling.
//
// Scheduled tasks live in a heap ordered by deadline, so cancellation
// removes the task immediately in O(log n) instead of leaving a tombstone
// behind until it reaches the head.
type Pool struct {
	log    *zap.Logger
	config Config

	mu       sync.Mutex
	idle     []*worker // LIFO, most recently parked on top
	active   int
	shutdown bool
	done     chan struct{}

	schedMu     sync.Mutex
	tasks       taskHeap
	seq         uint64
	runnerLive  bool
	runnerWake  chan struct{}
}

// NewPool creates a worker pool.
func NewPool(config Config, log *zap.Logger) *Pool {
	if config.MaxWorkers <= 0 {
		panic(errors.Errorf("max workers must be positive: %d", config.MaxWorkers))
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	return &Pool{
		log:        log,
		config:     config,
		done:       make(chan struct{}),
		runnerWake: make(chan struct{}, 1),
	}
}

type worker struct {
	ch chan func()
}

// Execute runs f on a pooled worker as soon as possible.
func (p *Pool) Execute(f func()) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return errors.WithStack(ErrShutdown)
	}

	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		w.ch <- f
		return nil
	}

	if p.active < p.config.MaxWorkers {
		p.active++
		p.mu.Unlock()
		go p.run(f)
		return nil
	}

	p.mu.Unlock()
	p.limitReached()
	return errors.WithStack(ErrRejected)
}

// Schedule runs f once, on or after now+delay.
func (p *Pool) Schedule(f func(), delay time.Duration) (*Task, error) {
	return p.scheduleTask(f, delay, 0, 0, 0)
}

// ScheduleAtFixedRate runs f every period, measured from the previous deadline.
func (p *Pool) ScheduleAtFixedRate(f func(), delay, period time.Duration) (*Task, error) {
	return p.scheduleTask(f, delay, period, 0, 0)
}

// ScheduleWithFixedDelay runs f repeatedly, waiting period after each completion.
func (p *Pool) ScheduleWithFixedDelay(f func(), delay, period time.Duration) (*Task, error) {
	return p.scheduleTask(f, delay, -period, 0, 0)
}

// ScheduleWithJitter runs f repeatedly, waiting a uniformly random duration
// in [low, high] after each completion.
func (p *Pool) ScheduleWithJitter(f func(), delay, low, high time.Duration) (*Task, error) {
	if low > high {
		return nil, errors.Errorf("invalid jitter range [%s, %s]", low, high)
	}
	return p.scheduleTask(f, delay, 0, low, high)
}

func (p *Pool) scheduleTask(f func(), delay time.Duration, period, jitterLow, jitterHigh time.Duration) (*Task, error) {
	t := &Task{
		pool:       p,
		f:          f,
		at:         time.Now().Add(delay),
		period:     period,
		jitterLow:  jitterLow,
		jitterHigh: jitterHigh,
		index:      -1,
	}

	p.schedMu.Lock()
	if p.shutdown {
		p.schedMu.Unlock()
		return nil, errors.WithStack(ErrShutdown)
	}
	p.seq++
	t.seq = p.seq
	heap.Push(&p.tasks, t)
	if !p.runnerLive {
		p.runnerLive = true
		go p.runTasks()
	}
	p.schedMu.Unlock()

	p.wakeRunner()
	return t, nil
}

// Shutdown refuses new tasks, clears the scheduled set and signals idle
// workers to exit. Busy workers finish their current task first.
func (p *Pool) Shutdown() {
	p.schedMu.Lock()
	for len(p.tasks) > 0 {
		t := heap.Pop(&p.tasks).(*Task)
		t.state = taskCancelled
	}
	p.schedMu.Unlock()

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	idle := p.idle
	p.idle = nil
	if p.active == 0 {
		close(p.done)
	}
	p.mu.Unlock()

	p.wakeRunner()
	for _, w := range idle {
		w.ch <- nil
	}
}

// AwaitTermination waits until all workers have exited after Shutdown.
func (p *Pool) AwaitTermination(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Pool) run(f func()) {
	defer func() {
		p.mu.Lock()
		p.active--
		if p.shutdown && p.active == 0 {
			close(p.done)
		}
		p.mu.Unlock()
	}()

	for f != nil {
		p.runTask(f)
		f = p.next()
	}
}

func (p *Pool) runTask(f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	f()
}

// next parks the worker on the idle stack and waits for a hand-off or the
// idle timeout. The hand-off channel is buffered so Execute never blocks on
// a worker which is concurrently timing out.
func (p *Pool) next() func() {
	w := &worker{ch: make(chan func(), 1)}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.config.IdleTimeout)
	defer timer.Stop()

	select {
	case f := <-w.ch:
		return f
	case <-timer.C:
		p.mu.Lock()
		for i, w2 := range p.idle {
			if w2 == w {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				p.mu.Unlock()
				return nil
			}
		}
		p.mu.Unlock()
		// Popped by Execute between the timeout and the lock. The task is
		// already in the buffer.
		return <-w.ch
	}
}

func (p *Pool) wakeRunner() {
	select {
	case p.runnerWake <- struct{}{}:
	default:
	}
}

// runTasks is the single runner feeding due tasks to the worker pool. It
// exits when the scheduled set drains and is restarted by the next Schedule.
func (p *Pool) runTasks() {
	for {
		p.schedMu.Lock()
		if len(p.tasks) == 0 || p.shutdownLocked() {
			p.runnerLive = false
			p.schedMu.Unlock()
			return
		}

		head := p.tasks[0]
		if d := time.Until(head.at); d > 0 {
			p.schedMu.Unlock()

			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-p.runnerWake:
				timer.Stop()
			}
			continue
		}

		heap.Pop(&p.tasks)
		head.state = taskFired
		if head.period > 0 {
			// Fixed rate: requeue immediately relative to the previous deadline.
			next := *head
			next.at = head.at.Add(head.period)
			next.state = taskPending
			head.next = &next
			p.seq++
			next.seq = p.seq
			heap.Push(&p.tasks, &next)
		}
		p.schedMu.Unlock()

		if err := p.Execute(head.runScheduled); err != nil {
			if errors.Is(err, ErrShutdown) {
				continue
			}
			// Saturated: retry the task as soon as a worker frees up.
			p.schedMu.Lock()
			if !p.shutdownLocked() {
				head.at = time.Now()
				head.state = taskPending
				p.seq++
				head.seq = p.seq
				heap.Push(&p.tasks, head)
			}
			p.schedMu.Unlock()
		}
	}
}

func (p *Pool) shutdownLocked() bool {
	p.mu.Lock()
	s := p.shutdown
	p.mu.Unlock()
	return s
}

// limitReached emits the optional saturation diagnostics.
func (p *Pool) limitReached() {
	if p.config.SaturationDump {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		_, _ = os.Stderr.Write(buf[:n])
	}
	if p.config.SaturationExit {
		p.log.Error("Worker pool saturated, exiting")
		os.Exit(1)
	}
}

const (
	taskPending = iota
	taskFired
	taskCancelled
)

// Task is a handle to a scheduled task.
type Task struct {
	pool       *Pool
	f          func()
	at         time.Time
	seq        uint64
	period     time.Duration // 0 one-shot, >0 fixed rate, <0 fixed delay
	jitterLow  time.Duration
	jitterHigh time.Duration

	index int
	state int
	next  *Task // fixed-rate successor, for cancellation chaining
}

// Cancel removes the task from the scheduled set. It returns true if the
// task (and, for periodic tasks, its successors) will not fire; false means
// the task already fired or was cancelled before.
func (t *Task) Cancel() bool {
	p := t.pool
	p.schedMu.Lock()
	defer p.schedMu.Unlock()

	cur := t
	for cur.next != nil {
		cur = cur.next
	}

	switch cur.state {
	case taskPending:
		if cur.index >= 0 {
			heap.Remove(&p.tasks, cur.index)
		}
		cur.state = taskCancelled
		return cur == t
	case taskFired:
		// Already running; keep a periodic task from rescheduling.
		cur.state = taskCancelled
		return false
	default:
		return false
	}
}

// runScheduled runs the task body and requeues fixed-delay and jittered tasks.
func (t *Task) runScheduled() {
	t.pool.runTask(t.f)

	var wait time.Duration
	switch {
	case t.period < 0:
		wait = -t.period
	case t.jitterHigh > 0 || t.jitterLow > 0:
		wait = t.jitterLow + rand.N(t.jitterHigh-t.jitterLow+1)
	default:
		return
	}

	p := t.pool
	p.schedMu.Lock()
	defer p.schedMu.Unlock()
	if p.shutdownLocked() || t.state == taskCancelled {
		return
	}
	t.at = time.Now().Add(wait)
	t.state = taskPending
	p.seq++
	t.seq = p.seq
	heap.Push(&p.tasks, t)
	if !p.runnerLive {
		p.runnerLive = true
		go p.runTasks()
	}
	select {
	case p.runnerWake <- struct{}{}:
	default:
	}
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
