// Package taskq implements the bounded worker pool spec §4.1 describes:
// a pending-task list guarded by one mutex, workers that block on a
// condition variable when idle, and cooperative shutdown. Grounded on
// the teacher's worker.Worker stop-channel idiom (pkg/worker/worker.go:
// close(stopCh) signals every loop to exit) adapted to the spec's
// explicit mutex+condvar scheduling instead of a stop channel, since the
// spec requires idle workers to time out and exit individually rather
// than all exit together on a single close.
package taskq

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/phineas/pkg/metrics"
	"github.com/cuemby/phineas/pkg/phlog"
)

// Task is a unit of work submitted to the pool.
type Task func(arg any)

type pending struct {
	fn  Task
	arg any
}

// Pool is a bounded worker pool: Submit never blocks the caller, workers
// are started lazily up to maxWorkers, and idle workers exit after
// idleTimeout so the pool shrinks back down under light load.
type Pool struct {
	name        string
	maxWorkers  int
	idleTimeout time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []pending
	alive    int // goroutines currently running (busy or idle-waiting)
	waiting  int // of those, how many are idle-waiting on cond
	stopping bool
	stopped  chan struct{}
	running  map[int64]struct{} // goroutine ids currently inside runTask
}

// New creates a pool. name labels its metrics and log lines.
func New(name string, maxWorkers int, idleTimeout time.Duration) *Pool {
	p := &Pool{
		name:        name,
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		stopped:     make(chan struct{}),
		running:     make(map[int64]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Submit appends a task. It starts a new worker if the pool is below
// maxWorkers and no worker is currently idle (spec §4.1: "starts a new
// worker if total running workers < maxWorkers and no worker is
// currently idle").
func (p *Pool) Submit(fn Task, arg any) {
	p.mu.Lock()
	p.queue = append(p.queue, pending{fn: fn, arg: arg})
	startWorker := p.waiting == 0 && p.alive < p.maxWorkers
	if startWorker {
		p.alive++
	}
	queued := len(p.queue)
	p.mu.Unlock()

	p.cond.Signal()
	metrics.TaskQWaiting.WithLabelValues(p.name).Set(float64(queued))

	if startWorker {
		go p.runWorker()
	}
}

// Stop is idempotent. It signals every worker and blocks until they have
// all exited. Calling Stop from within a task running on this pool does
// not deadlock: the calling goroutine is itself one of the running
// workers (runWorker registers it in p.running before invoking the
// task), so Stop excludes it from the count it waits on and returns
// while that one task is still unwinding.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		<-p.stopped
		return
	}
	p.stopping = true
	_, calledFromWorker := p.running[goroutineID()]
	target := 0
	if calledFromWorker {
		target = 1
	}
	remaining := p.alive
	p.mu.Unlock()

	p.cond.Broadcast()

	if remaining <= target {
		close(p.stopped)
		return
	}

	for {
		p.mu.Lock()
		alive := p.alive
		p.mu.Unlock()
		if alive <= target {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(p.stopped)
}

func (p *Pool) runWorker() {
	defer func() {
		p.mu.Lock()
		p.alive--
		alive := p.alive
		p.mu.Unlock()
		metrics.TaskQWorkersActive.WithLabelValues(p.name).Set(float64(alive))
	}()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.waiting++
			metrics.TaskQWorkersIdle.WithLabelValues(p.name).Set(float64(p.waiting))

			timedOut := p.condWaitTimeout(p.idleTimeout)

			p.waiting--
			metrics.TaskQWorkersIdle.WithLabelValues(p.name).Set(float64(p.waiting))

			if timedOut && len(p.queue) == 0 {
				p.mu.Unlock()
				return
			}
		}
		if p.stopping && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}

		t := p.queue[0]
		p.queue = p.queue[1:]
		metrics.TaskQWaiting.WithLabelValues(p.name).Set(float64(len(p.queue)))
		active := p.alive - p.waiting
		gid := goroutineID()
		p.running[gid] = struct{}{}
		p.mu.Unlock()

		metrics.TaskQWorkersActive.WithLabelValues(p.name).Set(float64(active))
		p.runTask(t)

		p.mu.Lock()
		delete(p.running, gid)
		p.mu.Unlock()
	}
}

// runTask executes a task with panic recovery (spec §4.1: "panics inside
// a task must not tear down the worker").
func (p *Pool) runTask(t pending) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskQPanicsTotal.WithLabelValues(p.name).Inc()
			phlog.Logger.Error().
				Str("pool", p.name).
				Interface("panic", r).
				Msg("task panicked, worker recovered")
		}
	}()
	t.fn(t.arg)
}

// condWaitTimeout waits on p.cond for up to d, returning true if it timed
// out rather than being woken by Signal/Broadcast. Must be called with
// p.mu held; it releases and reacquires the lock internally, matching
// sync.Cond.Wait's contract.
func (p *Pool) condWaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	timedOut := false
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		select {
		case <-done:
		default:
			timedOut = true
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	})

	p.cond.Wait()

	close(done)
	timer.Stop()
	return timedOut
}

// goroutineID extracts the numeric id from the current goroutine's stack
// header ("goroutine 123 [running]:"), the only way the runtime exposes
// it without cgo. Used solely to recognize a Stop() call re-entering
// from inside one of this pool's own workers.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}
