package node

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vonwenm/eclus/etf"
)

// ActorHandler is one step of an actor's continuation: it receives the
// next message and reports whether the actor expects another (false
// ends the task, mirroring a generator that never yields again).
type ActorHandler func(from etf.Pid, term etf.Term, err error) bool

// scheduler is the ThreadPool-dispatched actor scheduler (C9). Per
// Design Notes §9 ("two scheduler designs in the source... treat
// [ThreadPool-dispatched] as authoritative and omit the first"), every
// actor task runs as a goroutine pulled from a bounded worker pool, one
// outstanding invocation per task enforced by a per-task busy flag.
type scheduler struct {
	log *logrus.Entry

	mu     sync.Mutex
	tasks  map[*Mailbox]*actorTask
	runnable chan *actorTask

	stopped chan struct{}
	workers int
}

type actorTask struct {
	mbox    *Mailbox
	handler ActorHandler // returns false to end the task

	mu     sync.Mutex
	active bool
	queued bool
}

func newScheduler(log *logrus.Entry) *scheduler {
	return &scheduler{
		log:      log,
		tasks:    make(map[*Mailbox]*actorTask),
		runnable: make(chan *actorTask, 256),
		stopped:  make(chan struct{}),
		workers:  8,
	}
}

// run is the single dispatcher: it fans runnable tasks out to a fixed
// worker pool while keeping at most one outstanding invocation per
// task (§4.9 "per-task serialization").
func (s *scheduler) run() {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case t, ok := <-s.runnable:
					if !ok {
						return
					}
					s.runOne(t)
				case <-s.stopped:
					return
				}
			}
		}()
	}
	wg.Wait()
}

// runOne drains every message already waiting in t.mbox, in order,
// then clears the queued flag and rechecks once more for anything
// that slipped in during the drain — closing the gap where a deliver
// arriving right before the flag clears would otherwise leave the
// task neither running nor scheduled (§4.9 "per-task serialization").
func (s *scheduler) runOne(t *actorTask) {
	for {
		t.mu.Lock()
		active := t.active
		t.mu.Unlock()
		if !active {
			return
		}

		from, term, err, ok := t.mbox.Poll()
		if !ok {
			break
		}
		if !t.handler(from, term, err) {
			s.cancelTask(t)
			return
		}
	}

	t.mu.Lock()
	t.queued = false
	t.mu.Unlock()

	if t.mbox.pending() {
		s.enqueue(t)
	}
}

// react creates a task for mbox driven by handler, advances it once
// (draining anything already queued), and registers it for wakeups.
func (s *scheduler) react(mbox *Mailbox, handler ActorHandler) {
	t := &actorTask{mbox: mbox, handler: handler, active: true}
	s.mu.Lock()
	s.tasks[mbox] = t
	s.mu.Unlock()
	s.enqueue(t)
}

// notify returns a callback Mailbox.deliver invokes on every arrival;
// it enqueues the mailbox's task if one is registered and idle.
func (s *scheduler) notify(mbox *Mailbox) func() {
	return func() {
		s.mu.Lock()
		t, ok := s.tasks[mbox]
		s.mu.Unlock()
		if !ok {
			return
		}
		s.enqueue(t)
	}
}

func (s *scheduler) enqueue(t *actorTask) {
	t.mu.Lock()
	if t.queued || !t.active {
		t.mu.Unlock()
		return
	}
	t.queued = true
	t.mu.Unlock()

	select {
	case s.runnable <- t:
	case <-s.stopped:
	}
}

// cancel marks mbox's task inactive; the next scheduling attempt
// discards it (§4.9).
func (s *scheduler) cancel(mbox *Mailbox) {
	s.mu.Lock()
	t, ok := s.tasks[mbox]
	delete(s.tasks, mbox)
	s.mu.Unlock()
	if ok {
		s.cancelTask(t)
	}
}

func (s *scheduler) cancelTask(t *actorTask) {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

func (s *scheduler) stop() {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}
