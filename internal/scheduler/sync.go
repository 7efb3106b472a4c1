package scheduler

// CriticalSection is a recursive, FIFO-handoff mutex: the waiter queue is
// ordered by arrival, and ownership transfers directly to the head waiter
// on release rather than letting any runnable thread race for it.
type CriticalSection struct {
	owner    int // thread ID, -1 if unowned
	depth    int
	waiters  []*Thread
}

// NewCriticalSection returns an unowned critical section.
func NewCriticalSection() *CriticalSection {
	return &CriticalSection{owner: -1}
}

// Enter attempts to acquire cs for t. If t already owns cs, this is a
// recursive re-entry and depth increments. Otherwise, if cs is owned by
// another thread, t is queued as a waiter and the scheduler must not run
// it again until CanRun reports true (set by Leave's handoff).
func (cs *CriticalSection) Enter(t *Thread) (acquired bool) {
	if cs.owner == t.ID {
		cs.depth++
		return true
	}
	if cs.owner == -1 {
		cs.owner = t.ID
		cs.depth = 1
		t.OwnedCS[cs] = 1
		return true
	}
	cs.waiters = append(cs.waiters, t)
	t.RequestedCS = cs
	return false
}

// Leave releases one level of ownership. At depth zero, ownership hands
// off directly to the head of the FIFO waiter queue, if any.
func (cs *CriticalSection) Leave(t *Thread) {
	if cs.owner != t.ID {
		return
	}
	cs.depth--
	if cs.depth > 0 {
		return
	}
	delete(t.OwnedCS, cs)
	if len(cs.waiters) == 0 {
		cs.owner = -1
		return
	}
	next := cs.waiters[0]
	cs.waiters = cs.waiters[1:]
	cs.owner = next.ID
	cs.depth = 1
	next.OwnedCS[cs] = 1
	// next.RequestedCS stays set; CanRun clears it once it observes the
	// handoff and lets the thread run.
}

// Event is a Win32-style manual or auto-reset event with FIFO waiters.
type Event struct {
	ManualReset bool
	signaled    bool
	waiters     []*Thread
	ready       *Thread // auto-reset direct handoff target, mirroring CriticalSection's owner handoff
}

// NewEvent returns an event in the given initial signaled state.
func NewEvent(manualReset, initial bool) *Event {
	return &Event{ManualReset: manualReset, signaled: initial}
}

// Set signals the event. A manual-reset event stays signaled until Reset.
// An auto-reset event with queued waiters hands off directly to the head
// of the FIFO queue, same as CriticalSection.Leave; with no waiters it
// just stays signaled for the next Wait.
func (ev *Event) Set() {
	if !ev.ManualReset && len(ev.waiters) > 0 {
		next := ev.waiters[0]
		ev.waiters = ev.waiters[1:]
		ev.ready = next
		return
	}
	ev.signaled = true
}

// Reset clears the signaled state.
func (ev *Event) Reset() {
	ev.signaled = false
}

// Wait queues t on ev with the given timeout (timeoutMs < 0 means
// infinite). CanRun drains the wait once ev is signaled or the timeout
// elapses. An already-signaled event returns at once without queuing (an
// auto-reset event is consumed); a zero timeout on an unsignaled event
// polls, returning at once with t marked timed out; waiting again on the
// event t already waits on is a no-op.
func (s *Scheduler) Wait(t *Thread, ev *Event, timeoutMs int64) {
	if ev.signaled {
		if !ev.ManualReset {
			ev.signaled = false
		}
		return
	}
	if timeoutMs == 0 {
		t.waitTimedOut = true
		return
	}
	if t.WaitingEvent == ev {
		return
	}
	t.WaitingEvent = ev
	if timeoutMs < 0 {
		t.WaitingInfinite = true
	} else {
		t.WaitingInfinite = false
		t.WaitTimeoutAt = s.now + timeoutMs
	}
	ev.waiters = append(ev.waiters, t)
}

func (ev *Event) removeWaiter(t *Thread) {
	for i, w := range ev.waiters {
		if w == t {
			ev.waiters = append(ev.waiters[:i], ev.waiters[i+1:]...)
			return
		}
	}
}
