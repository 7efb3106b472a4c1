package scheduler

import (
	"testing"

	"github.com/primu-emu/primu/internal/cpu"
)

// fakeEngine is a minimal stand-in for the CPU adapter: register state is
// just a map, context snapshots are plain value copies.
type fakeEngine struct {
	regs map[int]uint64
	mode bool // true = thumb
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{regs: map[int]uint64{}}
}

func (f *fakeEngine) RegBatch(ids []int) ([]uint64, error) {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = f.regs[id]
	}
	return out, nil
}

func (f *fakeEngine) SetRegBatch(ids []int, vals []uint64) error {
	for i, id := range ids {
		f.regs[id] = vals[i]
	}
	return nil
}

func (f *fakeEngine) QueryThumb() bool { return f.mode }

type fakeContext struct{ snapshot map[int]uint64 }

func (f *fakeEngine) SaveContext() (any, error) {
	snap := make(map[int]uint64, len(f.regs))
	for k, v := range f.regs {
		snap[k] = v
	}
	return &fakeContext{snapshot: snap}, nil
}

func (f *fakeEngine) RestoreContext(c any) error {
	if c == nil {
		return nil
	}
	fc, ok := c.(*fakeContext)
	if !ok {
		return nil
	}
	for k, v := range fc.snapshot {
		f.regs[k] = v
	}
	return nil
}

func TestNewThreadRingSingle(t *testing.T) {
	s := New(newFakeEngine())
	th := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)
	if th.Next() != th {
		t.Fatalf("single-thread ring should point to itself")
	}
	if s.Current() != th {
		t.Fatalf("expected new thread to become current")
	}
}

func TestSwitchRoundRobin(t *testing.T) {
	s := New(newFakeEngine())
	a := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)
	b := s.NewThread(0x2000, 0, 0xa000, PriorityNormal)

	if s.Current() != a {
		t.Fatalf("expected a to be current first")
	}
	if err := s.Switch(); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if s.Current() != b {
		t.Fatalf("expected b after one switch")
	}
	if err := s.Switch(); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if s.Current() != a {
		t.Fatalf("expected a after wrapping the ring")
	}
}

func TestGetTimeQuantumMainVsWorker(t *testing.T) {
	s := New(newFakeEngine())
	main := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)
	worker := s.NewThread(0x2000, 0, 0xa000, PriorityNormal)

	if main.ID != 0 {
		t.Fatalf("expected first thread to get id 0, got %d", main.ID)
	}
	if got := main.GetTimeQuantum(); got != 4000 {
		t.Fatalf("main thread quantum = %d, want 4000", got)
	}
	if got := worker.GetTimeQuantum(); got != int64(400-PriorityNormal) {
		t.Fatalf("worker quantum = %d, want %d", got, 400-PriorityNormal)
	}
}

func TestCriticalSectionFIFOHandoff(t *testing.T) {
	s := New(newFakeEngine())
	a := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)
	b := s.NewThread(0x2000, 0, 0xa000, PriorityNormal)
	c := s.NewThread(0x3000, 0, 0xb000, PriorityNormal)

	cs := NewCriticalSection()
	if !cs.Enter(a) {
		t.Fatalf("a should acquire an unowned critical section")
	}
	if cs.Enter(b) {
		t.Fatalf("b should block while a owns the critical section")
	}
	if cs.Enter(c) {
		t.Fatalf("c should block while a owns the critical section")
	}
	if s.CanRun(b) {
		t.Fatalf("b should not be runnable before handoff")
	}

	cs.Leave(a)
	if cs.owner != b.ID {
		t.Fatalf("expected FIFO handoff to b, owner is thread %d", cs.owner)
	}
	if !s.CanRun(b) {
		t.Fatalf("b should become runnable once handed ownership")
	}
	if s.CanRun(c) {
		t.Fatalf("c should still be blocked behind b")
	}
}

func TestCriticalSectionRecursiveReentry(t *testing.T) {
	s := New(newFakeEngine())
	a := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)

	cs := NewCriticalSection()
	if !cs.Enter(a) {
		t.Fatalf("a should acquire an unowned critical section")
	}
	if !cs.Enter(a) {
		t.Fatalf("a should re-enter its own critical section")
	}
	cs.Leave(a)
	if cs.owner != a.ID {
		t.Fatalf("one Leave should not release a recursive lock")
	}
	cs.Leave(a)
	if cs.owner != -1 {
		t.Fatalf("second Leave should fully release the lock")
	}
}

func TestEventManualResetStaysSignaled(t *testing.T) {
	s := New(newFakeEngine())
	a := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)
	b := s.NewThread(0x2000, 0, 0xa000, PriorityNormal)

	ev := NewEvent(true, false)
	s.Wait(a, ev, -1)
	s.Wait(b, ev, -1)
	if s.CanRun(a) || s.CanRun(b) {
		t.Fatalf("neither thread should run before the event is set")
	}

	ev.Set()
	if !s.CanRun(a) {
		t.Fatalf("a should run once a manual-reset event is set")
	}
	if !s.CanRun(b) {
		t.Fatalf("manual-reset event should also release b")
	}
}

func TestEventAutoResetReleasesOne(t *testing.T) {
	s := New(newFakeEngine())
	a := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)
	b := s.NewThread(0x2000, 0, 0xa000, PriorityNormal)

	ev := NewEvent(false, false)
	s.Wait(a, ev, -1)
	s.Wait(b, ev, -1)

	ev.Set()
	if !s.CanRun(a) {
		t.Fatalf("a should be released by the auto-reset event")
	}
	if s.CanRun(b) {
		t.Fatalf("auto-reset event should not also release b")
	}
}

func TestWaitTimeout(t *testing.T) {
	s := New(newFakeEngine())
	a := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)

	ev := NewEvent(false, false)
	s.Wait(a, ev, 100)
	if s.CanRun(a) {
		t.Fatalf("a should still be waiting before the timeout elapses")
	}
	s.Advance(100)
	if !s.CanRun(a) {
		t.Fatalf("a should be released once the timeout elapses")
	}
	if !a.TimedOut() {
		t.Fatalf("expected TimedOut to report true after a timeout wake")
	}
}

func TestSuspendResume(t *testing.T) {
	s := New(newFakeEngine())
	a := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)

	if !s.CanRun(a) {
		t.Fatalf("a should be runnable initially")
	}
	a.Suspend()
	if s.CanRun(a) {
		t.Fatalf("a should not be runnable while suspended")
	}
	a.Resume()
	if !s.CanRun(a) {
		t.Fatalf("a should be runnable again once resumed")
	}
}

func TestSleep(t *testing.T) {
	s := New(newFakeEngine())
	a := s.NewThread(0x1000, 0, 0x9000, PriorityNormal)

	s.Sleep(a, 50)
	if s.CanRun(a) {
		t.Fatalf("a should not be runnable while asleep")
	}
	s.Advance(50)
	if !s.CanRun(a) {
		t.Fatalf("a should be runnable once the sleep duration elapses")
	}
}

func TestLoadStateSaveStateRoundTrip(t *testing.T) {
	eng := newFakeEngine()
	s := New(eng)
	a := s.NewThread(0x1000, 0x42, 0x9000, PriorityNormal)

	if err := s.LoadState(a); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if eng.regs[cpu.RegR0] != 0x42 {
		t.Fatalf("expected r0 to carry the thread argument, got 0x%x", eng.regs[cpu.RegR0])
	}

	eng.regs[cpu.RegR0] = 0x99
	eng.mode = true
	if err := s.SaveState(a); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if a.regs[0] != 0x99 {
		t.Fatalf("expected saved r0 to be 0x99, got 0x%x", a.regs[0])
	}
	if a.PC()&1 == 0 {
		t.Fatalf("expected SaveState to smuggle the thumb bit into pc")
	}
}
