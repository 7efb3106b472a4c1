// Package scheduler implements the cooperative, single-guest-core thread
// scheduler: a thread ring, critical sections with FIFO direct-handoff,
// manual/auto-reset events, sleep, and suspend/resume.
package scheduler

import "github.com/primu-emu/primu/internal/cpu"

const (
	// PriorityNormal matches the platform's default thread priority.
	PriorityNormal = 128
)

// engine is the subset of the CPU adapter the scheduler drives. The saved
// context is opaque: the scheduler never inspects it, only round-trips it
// through the engine that produced it.
type engine interface {
	RegBatch(ids []int) ([]uint64, error)
	SetRegBatch(ids []int, vals []uint64) error
	QueryThumb() bool
	SaveContext() (any, error)
	RestoreContext(any) error
}

// Thread is one cooperative guest thread.
type Thread struct {
	ID       int
	Priority int

	regs  [16]uint32 // r0..r12, sp, lr, pc — same order as cpu.GPRegs
	ctx   any
	isNew bool

	SuspendCount  int
	SleepingUntil int64 // 0 = not sleeping

	RequestedCS *CriticalSection
	OwnedCS     map[*CriticalSection]int

	WaitingEvent    *Event
	WaitingInfinite bool
	WaitTimeoutAt   int64
	waitTimedOut    bool

	next *Thread
	prev *Thread
}

// Next returns the next thread in the ring.
func (t *Thread) Next() *Thread { return t.next }

// PC returns the thread's shadow program counter.
func (t *Thread) PC() uint32 { return t.regs[15] }

// SetArg0 sets r0, used to pass the thread-start argument.
func (t *Thread) SetArg0(v uint32) { t.regs[0] = v }

const (
	idxSP = 13
	idxLR = 14
	idxPC = 15
)

// Scheduler owns the thread ring and drives state transfer to/from the
// CPU engine.
type Scheduler struct {
	eng     engine
	current *Thread
	nextID  int
	now     int64 // host-supplied monotonic tick, advanced externally
}

// New returns an empty scheduler bound to the given engine.
func New(eng engine) *Scheduler {
	return &Scheduler{eng: eng}
}

// Now returns the scheduler's current tick.
func (s *Scheduler) Now() int64 { return s.now }

// Advance moves the scheduler's clock forward by delta ticks, called by
// the quantum hook with elapsed host time.
func (s *Scheduler) Advance(delta int64) { s.now += delta }

// NewThread creates a thread with the given entry point, argument, and
// priority, splicing it into the ring. id 0 is reserved for the first
// thread created (the main thread) by convention of callers creating it
// first.
func (s *Scheduler) NewThread(entry, arg uint32, sp uint32, priority int) *Thread {
	t := &Thread{
		ID:       s.nextID,
		Priority: priority,
		isNew:    true,
		OwnedCS:  map[*CriticalSection]int{},
	}
	s.nextID++
	t.regs[idxPC] = entry
	t.regs[idxSP] = sp
	t.regs[0] = arg

	if s.current == nil {
		t.next = t
		t.prev = t
		s.current = t
	} else {
		tail := s.current.prev
		tail.next = t
		t.prev = tail
		t.next = s.current
		s.current.prev = t
	}
	return t
}

// Current returns the currently scheduled thread.
func (s *Scheduler) Current() *Thread { return s.current }

// GetTimeQuantum returns the thread's time slice: the main thread (id 0)
// gets a long quantum; others get less as priority rises.
func (t *Thread) GetTimeQuantum() int64 {
	if t.ID == 0 {
		return 4000
	}
	return int64(400 - t.Priority)
}

// LoadState pushes the thread's shadow registers (and, for previously-run
// threads, its saved engine context) into the CPU engine.
func (s *Scheduler) LoadState(t *Thread) error {
	if !t.isNew {
		if err := s.eng.RestoreContext(t.ctx); err != nil {
			return err
		}
	}
	return s.eng.SetRegBatch(cpu.GPRegs, widen(t.regs[:]))
}

// SaveState captures the thread's engine context and shadow registers,
// smuggling the current Thumb bit into the saved pc's LSB.
func (s *Scheduler) SaveState(t *Thread) error {
	ctx, err := s.eng.SaveContext()
	if err != nil {
		return err
	}
	t.ctx = ctx
	vals, err := s.eng.RegBatch(cpu.GPRegs)
	if err != nil {
		return err
	}
	narrow(vals, t.regs[:])
	if s.eng.QueryThumb() {
		t.regs[idxPC] |= cpu.ThumbBit
	}
	t.isNew = false
	return nil
}

// Switch advances current to the next thread in the ring and loads its
// state. A ring of one thread is a no-op.
func (s *Scheduler) Switch() error {
	if s.current == nil || s.current.next == s.current {
		return nil
	}
	s.current = s.current.next
	return s.LoadState(s.current)
}

// CanRun evaluates the runnability predicate for t, mutating its wait
// state as a side effect (clearing expired sleeps, consuming signaled
// auto-reset events, observing CS handoff).
func (s *Scheduler) CanRun(t *Thread) bool {
	if t.SuspendCount > 0 {
		return false
	}
	if t.SleepingUntil > s.now {
		return false
	}
	t.SleepingUntil = 0

	if t.RequestedCS != nil {
		cs := t.RequestedCS
		if cs.owner == t.ID {
			t.RequestedCS = nil
			return true
		}
		return false
	}

	if t.WaitingEvent != nil {
		ev := t.WaitingEvent
		if ev.ready == t {
			ev.ready = nil
			ev.removeWaiter(t)
			t.clearWait()
			return true
		}
		if ev.signaled {
			ev.removeWaiter(t)
			if !ev.ManualReset {
				ev.signaled = false
			}
			t.clearWait()
			return true
		}
		if !t.WaitingInfinite && s.now >= t.WaitTimeoutAt {
			ev.removeWaiter(t)
			t.clearWait()
			t.waitTimedOut = true
			return true
		}
		return false
	}

	return true
}

// TimedOut reports whether the thread's last wait ended via timeout
// rather than signal, and clears the flag.
func (t *Thread) TimedOut() bool {
	v := t.waitTimedOut
	t.waitTimedOut = false
	return v
}

func (t *Thread) clearWait() {
	t.WaitingEvent = nil
	t.WaitingInfinite = false
	t.WaitTimeoutAt = 0
}

// Suspend increments the thread's nested suspend counter.
func (t *Thread) Suspend() { t.SuspendCount++ }

// Resume decrements the thread's nested suspend counter; it only becomes
// runnable again once the counter reaches zero.
func (t *Thread) Resume() {
	if t.SuspendCount > 0 {
		t.SuspendCount--
	}
}

// Sleep marks the thread unrunnable until now+ms.
func (s *Scheduler) Sleep(t *Thread, ms int64) {
	t.SleepingUntil = s.now + ms
}

func widen(in []uint32) []uint64 {
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = uint64(v)
	}
	return out
}

func narrow(in []uint64, out []uint32) {
	for i, v := range in {
		if i >= len(out) {
			break
		}
		out[i] = uint32(v)
	}
}
