package p2p

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nitrokrypt/qortal/observability/metrics"
)

// Task is one unit of work the Reactor's worker pool executes.
type Task struct {
	Run func()
}

// Reactor is the single-producer, pooled-consumer loop described in
// spec.md §4.5. In place of an OS-level selector (Go's runtime netpoller is
// not exposed as a primitive a program can multiplex over directly), each
// peer's blocking reads run on their own goroutine and feed decoded work
// into these priority-ordered channels; ExecuteProduceConsume is the single
// goroutine that drains them in strict priority order and hands work to a
// bounded pool. The "one producer at a time" rule from spec.md §9 is
// trivially true here — there is exactly one caller of
// ExecuteProduceConsume — so it's encoded as a guard flag rather than a
// lock, purely to make a concurrent second call a safe no-op.
type Reactor struct {
	log *slog.Logger

	messageTasks   chan Task
	pingTasks      chan Task
	connectTasks   chan Task
	broadcastTasks chan Task
	readyTasks     chan Task

	sem chan struct{}
	wg  sync.WaitGroup

	running atomic.Bool
}

// NewReactor builds a Reactor with a worker pool capped at maxWorkers.
// minWorkers is accepted for configuration fidelity with spec.md §4.5 but is
// not stored or used: under Go's goroutine-per-task dispatch only the ceiling
// bounds the pool.
func NewReactor(minWorkers, maxWorkers int, log *slog.Logger) *Reactor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if minWorkers < 1 {
		minWorkers = 1
	}
	return &Reactor{
		log:            log,
		messageTasks:   make(chan Task, 256),
		pingTasks:      make(chan Task, 64),
		connectTasks:   make(chan Task, 16),
		broadcastTasks: make(chan Task, 4),
		readyTasks:     make(chan Task, 64),
		sem:            make(chan struct{}, maxWorkers),
	}
}

func enqueue(ch chan Task, t Task, source string) bool {
	select {
	case ch <- t:
		return true
	default:
		metrics.Get().ObserveReactorTask(source + "_dropped")
		return false
	}
}

// EnqueueMessage submits a per-peer "message ready to deliver" task —
// highest priority.
func (r *Reactor) EnqueueMessage(t Task) bool { return enqueue(r.messageTasks, t, "message") }

// EnqueuePing submits a per-peer ping-timer-fired task.
func (r *Reactor) EnqueuePing(t Task) bool { return enqueue(r.pingTasks, t, "ping") }

// EnqueueConnect submits an outbound-dial task.
func (r *Reactor) EnqueueConnect(t Task) bool { return enqueue(r.connectTasks, t, "connect") }

// EnqueueBroadcast submits a periodic-broadcast task.
func (r *Reactor) EnqueueBroadcast(t Task) bool { return enqueue(r.broadcastTasks, t, "broadcast") }

// EnqueueReady submits a last-resort "something became selector-ready"
// task — the lowest priority source, and the only one permitted to block.
func (r *Reactor) EnqueueReady(t Task) bool { return enqueue(r.readyTasks, t, "channel") }

// ExecuteProduceConsume runs the produce loop until ctx is cancelled. It is
// safe to call only once per Reactor; a concurrent second call returns
// immediately.
func (r *Reactor) ExecuteProduceConsume(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer r.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		task, source, ok := r.produceTask(ctx)
		if !ok {
			continue
		}
		metrics.Get().ObserveReactorTask(source)
		r.dispatch(task)
	}
}

// produceTask tries each source in strict priority order, non-blocking;
// only the final attempt is allowed to block, and only up to one second.
func (r *Reactor) produceTask(ctx context.Context) (Task, string, bool) {
	select {
	case t := <-r.messageTasks:
		return t, "message", true
	default:
	}
	select {
	case t := <-r.pingTasks:
		return t, "ping", true
	default:
	}
	select {
	case t := <-r.connectTasks:
		return t, "connect", true
	default:
	}
	select {
	case t := <-r.broadcastTasks:
		return t, "broadcast", true
	default:
	}

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case t := <-r.messageTasks:
		return t, "message", true
	case t := <-r.pingTasks:
		return t, "ping", true
	case t := <-r.connectTasks:
		return t, "connect", true
	case t := <-r.broadcastTasks:
		return t, "broadcast", true
	case t := <-r.readyTasks:
		return t, "channel", true
	case <-timer.C:
		return Task{}, "", false
	case <-ctx.Done():
		return Task{}, "", false
	}
}

// dispatch hands a task to the worker pool. If the pool is saturated the
// task is dropped on the floor, per spec.md §4.5's back-pressure rule — the
// task sources above are idempotent re-checks, so the next produce cycle
// resurfaces the same work.
func (r *Reactor) dispatch(t Task) {
	select {
	case r.sem <- struct{}{}:
		r.wg.Add(1)
		metrics.Get().ReactorQueue.Inc()
		go func() {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			defer metrics.Get().ReactorQueue.Dec()
			t.Run()
		}()
	default:
		metrics.Get().ObserveReactorTask("pool_saturated")
	}
}

// Shutdown waits up to grace for in-flight tasks to finish.
func (r *Reactor) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		if r.log != nil {
			r.log.Warn("reactor shutdown grace period elapsed with tasks still in flight")
		}
	}
}
