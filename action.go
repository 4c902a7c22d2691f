package aether

import (
	"container/heap"
	"container/list"
	"sync"
	"time"
)

// StatusKind is the terminal/continuation state an Action's Update returns.
type StatusKind int

const (
	// StatusContinue means run again next tick, as soon as possible.
	StatusContinue StatusKind = iota
	// StatusDelay means run again at Next.
	StatusDelay
	// StatusResult is terminal success.
	StatusResult
	// StatusError is terminal failure; Err is set.
	StatusError
	// StatusStop is terminal cancellation.
	StatusStop
)

// UpdateStatus is what Action.Update returns each tick.
type UpdateStatus struct {
	Kind StatusKind
	Next time.Time // meaningful only for StatusDelay
	Err  error      // meaningful only for StatusError
}

// Continue requests another tick as soon as possible.
func Continue() UpdateStatus { return UpdateStatus{Kind: StatusContinue} }

// Delay requests another tick no earlier than at.
func Delay(at time.Time) UpdateStatus { return UpdateStatus{Kind: StatusDelay, Next: at} }

// Result reports terminal success.
func Result() UpdateStatus { return UpdateStatus{Kind: StatusResult} }

// Errorf reports terminal failure. Per spec section 4.1, implementations
// must translate every error into this instead of panicking or returning a
// Go error from Update.
func Errorf(err error) UpdateStatus { return UpdateStatus{Kind: StatusError, Err: err} }

// Stopped reports terminal cancellation.
func Stopped() UpdateStatus { return UpdateStatus{Kind: StatusStop} }

func (s UpdateStatus) terminal() bool {
	return s.Kind == StatusResult || s.Kind == StatusError || s.Kind == StatusStop
}

// Action is a unit of cooperative work. Update is called by the Scheduler
// and must never block or panic; every failure must come back as
// Errorf(...), never a thrown error (spec section 4.1).
type Action interface {
	Update(now time.Time) UpdateStatus
}

// StatusEvent carries exactly one terminal notification: OnResult, OnError,
// or OnStop, in that priority, never more than once per action.
type StatusEvent struct {
	OnResult Event[Action]
	OnError  Event[error]
	OnStop   Event[Action]
}

func (s *StatusEvent) emit(self Action, status UpdateStatus) {
	switch status.Kind {
	case StatusResult:
		s.OnResult.Emit(self)
	case StatusError:
		s.OnError.Emit(status.Err)
	case StatusStop:
		s.OnStop.Emit(self)
	}
}

type scheduledAction struct {
	action Action
	events *StatusEvent
	wake   time.Time
	index  int // heap index, maintained by container/heap
	dead   bool
}

type wakeHeap []*scheduledAction

func (h wakeHeap) Len() int            { return len(h) }
func (h wakeHeap) Less(i, j int) bool  { return h[i].wake.Before(h[j].wake) }
func (h wakeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *wakeHeap) Push(x any)         { e := x.(*scheduledAction); e.index = len(*h); *h = append(*h, e) }
func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is the single-threaded cooperative runtime described in spec
// section 4.1. The application drives it by calling Tick repeatedly, or
// runs it continuously via Run.
type Scheduler struct {
	mu        sync.Mutex
	heap      wakeHeap
	triggered *list.List // of *scheduledAction
	byAction  map[Action]*scheduledAction
	wakeCh    chan struct{}
}

// NewScheduler builds an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		triggered: list.New(),
		byAction:  make(map[Action]*scheduledAction),
		wakeCh:    make(chan struct{}, 1),
	}
}

// Spawn registers action with the scheduler and triggers its first tick
// immediately. The returned *StatusEvent fires exactly once, terminally.
func (s *Scheduler) Spawn(action Action) *StatusEvent {
	ev := &StatusEvent{}
	sa := &scheduledAction{action: action, events: ev}
	s.mu.Lock()
	s.byAction[action] = sa
	s.triggered.PushBack(sa)
	s.mu.Unlock()
	s.wake()
	return ev
}

// Trigger schedules action (if still registered) to run on the next tick,
// regardless of any pending Delay. This is the hook poller/driver callbacks
// use to wake a suspended action (spec section 5). Safe to call from any
// goroutine.
func (s *Scheduler) Trigger(action Action) {
	s.mu.Lock()
	sa, ok := s.byAction[action]
	if ok && !sa.dead {
		if sa.index >= 0 && sa.index < len(s.heap) && s.heap[sa.index] == sa {
			heap.Remove(&s.heap, sa.index)
			sa.index = -1
		}
		s.triggered.PushBack(sa)
	}
	s.mu.Unlock()
	if ok {
		s.wake()
	}
}

// Stop drives action to StatusStop immediately by removing it from
// scheduling and emitting OnStop on the calling goroutine; per spec
// section 5, Stop is best-effort but must reach a terminal state, so it
// emits synchronously instead of waiting for another Tick.
func (s *Scheduler) Stop(action Action) {
	s.mu.Lock()
	sa, ok := s.byAction[action]
	if ok {
		s.unregisterLocked(sa)
	}
	s.mu.Unlock()
	if ok && !sa.dead {
		sa.dead = true
		sa.events.emit(action, Stopped())
	}
}

func (s *Scheduler) unregisterLocked(sa *scheduledAction) {
	delete(s.byAction, sa.action)
	if sa.index >= 0 && sa.index < len(s.heap) && s.heap[sa.index] == sa {
		heap.Remove(&s.heap, sa.index)
	}
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Tick runs one scheduling pass: every triggered action, then any actions
// whose wake time has arrived. An action that returns Continue() is
// deferred to the next Tick call instead of being re-run against the
// same now (spec section 4.1: Continue/Trigger are "processed in the
// next tick"), so a chain of Continue results can never keep Tick from
// returning. It returns the time of the next scheduled wake (zero if
// nothing is pending).
func (s *Scheduler) Tick(now time.Time) time.Time {
	var deferred []*scheduledAction
	for {
		s.mu.Lock()
		var batch []*scheduledAction
		for e := s.triggered.Front(); e != nil; e = e.Next() {
			batch = append(batch, e.Value.(*scheduledAction))
		}
		s.triggered.Init()
		for len(s.heap) > 0 && !s.heap[0].wake.After(now) {
			batch = append(batch, heap.Pop(&s.heap).(*scheduledAction))
		}
		s.mu.Unlock()

		if len(batch) == 0 {
			break
		}

		for _, sa := range batch {
			if s.runOne(sa, now) {
				deferred = append(deferred, sa)
			}
		}
	}

	s.mu.Lock()
	for _, sa := range deferred {
		if !sa.dead {
			s.triggered.PushBack(sa)
		}
	}
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}
	}
	return s.heap[0].wake
}

// runOne drives sa's Update once and reports whether it asked for
// Continue(); the caller is responsible for re-queuing a Continue action,
// and must not do so until the current Tick's draining loop is done, so
// the action runs again next Tick rather than immediately.
func (s *Scheduler) runOne(sa *scheduledAction, now time.Time) bool {
	s.mu.Lock()
	if sa.dead {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	status := sa.action.Update(now)

	deferContinue := false
	s.mu.Lock()
	switch {
	case status.terminal():
		s.unregisterLocked(sa)
		sa.dead = true
	case status.Kind == StatusDelay:
		sa.wake = status.Next
		heap.Push(&s.heap, sa)
	case status.Kind == StatusContinue:
		deferContinue = true
	}
	s.mu.Unlock()

	if status.terminal() {
		sa.events.emit(sa.action, status)
	}
	return deferContinue
}

// Run drives the scheduler until ctx-like done channel closes, sleeping
// between ticks for exactly as long as the next wake demands (or until a
// Trigger wakes it early). The done channel models the application's
// shutdown signal; Run has no dependency on context.Context so it composes
// with any cancellation source.
func (s *Scheduler) Run(done <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		next := s.Tick(time.Now())

		var wait time.Duration
		if next.IsZero() {
			wait = time.Hour
		} else {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-done:
			return
		case <-timer.C:
		case <-s.wakeCh:
		}
	}
}
