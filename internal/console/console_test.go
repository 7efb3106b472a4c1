package console

import (
	"testing"

	"github.com/primu-emu/primu/internal/memory"
	"github.com/primu-emu/primu/internal/scheduler"
)

// fakeMemEngine backs guest addresses with a flat host byte slice, mirroring
// internal/memory's own test double.
type fakeMemEngine struct {
	data map[uint64][]byte
}

func newFakeMemEngine() *fakeMemEngine { return &fakeMemEngine{data: map[uint64][]byte{}} }

func (f *fakeMemEngine) Map(base, size uint64) error {
	f.data[base] = make([]byte, size)
	return nil
}
func (f *fakeMemEngine) Unmap(base, size uint64) error {
	delete(f.data, base)
	return nil
}
func (f *fakeMemEngine) findRegion(addr uint64) (uint64, []byte, bool) {
	for base, buf := range f.data {
		if addr >= base && addr < base+uint64(len(buf)) {
			return base, buf, true
		}
	}
	return 0, nil, false
}
func (f *fakeMemEngine) MemRead(addr, size uint64) ([]byte, error) {
	base, buf, ok := f.findRegion(addr)
	if !ok {
		return nil, memory.ErrUnmapped
	}
	off := addr - base
	out := make([]byte, size)
	copy(out, buf[off:off+size])
	return out, nil
}
func (f *fakeMemEngine) MemWrite(addr uint64, data []byte) error {
	base, buf, ok := f.findRegion(addr)
	if !ok {
		return memory.ErrUnmapped
	}
	off := addr - base
	copy(buf[off:], data)
	return nil
}

// fakeCPUEngine is a minimal stand-in for the scheduler's engine interface;
// the console never drives a state save/restore, so these are unused but
// required to satisfy the interface.
type fakeCPUEngine struct{}

func (fakeCPUEngine) RegBatch(ids []int) ([]uint64, error)     { return make([]uint64, len(ids)), nil }
func (fakeCPUEngine) SetRegBatch(ids []int, vals []uint64) error { return nil }
func (fakeCPUEngine) QueryThumb() bool                          { return false }
func (fakeCPUEngine) SaveContext() (any, error)                 { return nil, nil }
func (fakeCPUEngine) RestoreContext(any) error                  { return nil }

func newTestConsole(t *testing.T) (*Console, *memory.Manager, *scheduler.Scheduler) {
	t.Helper()
	mm, err := memory.New(newFakeMemEngine())
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	sc := scheduler.New(fakeCPUEngine{})
	sc.NewThread(0x1000, 0, memory.HeapBase+memory.HeapSize-16, scheduler.PriorityNormal)
	return New(mm, sc), mm, sc
}

func TestConsole_MemReadWrite(t *testing.T) {
	c, mm, _ := newTestConsole(t)
	blk, err := mm.HeapAlloc(16)
	if err != nil {
		t.Fatalf("HeapAlloc: %v", err)
	}

	out, err := c.Eval(`mem.writeU32(` + addrLit(blk) + `, 0xdeadbeef); mem.readU32(` + addrLit(blk) + `)`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "3735928559" { // 0xdeadbeef as decimal, since readU32 returns a JS number
		t.Errorf("readU32 = %q, want 3735928559", out)
	}
}

func TestConsole_IsAllocated(t *testing.T) {
	c, mm, _ := newTestConsole(t)
	blk, err := mm.HeapAlloc(8)
	if err != nil {
		t.Fatalf("HeapAlloc: %v", err)
	}

	out, err := c.Eval(`mem.isAllocated(` + addrLit(blk) + `)`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "true" {
		t.Errorf("isAllocated = %q, want true", out)
	}

	out, err = c.Eval(`mem.isAllocated(0x0)`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "false" {
		t.Errorf("isAllocated(0) = %q, want false", out)
	}
}

func TestConsole_Threads(t *testing.T) {
	c, _, sc := newTestConsole(t)
	sc.NewThread(0x2000, 0, memory.HeapBase+memory.HeapSize-32, scheduler.PriorityNormal)

	out, err := c.Eval(`threads.current()`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "0" {
		t.Errorf("threads.current() = %q, want 0", out)
	}

	out, err = c.Eval(`threads.list().join(",")`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "0,1" {
		t.Errorf("threads.list() = %q, want 0,1", out)
	}
}

func TestConsole_Heap(t *testing.T) {
	c, mm, _ := newTestConsole(t)
	before, err := c.Eval(`heap.freeBytes()`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if before != itoa(int(mm.HeapFreeBytes())) {
		t.Errorf("heap.freeBytes() = %q, want %d", before, mm.HeapFreeBytes())
	}

	blk, err := mm.HeapAlloc(24)
	if err != nil {
		t.Fatalf("HeapAlloc: %v", err)
	}
	out, err := c.Eval(`heap.allocSize(` + addrLit(blk) + `)`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if out != "24" {
		t.Errorf("heap.allocSize = %q, want 24", out)
	}
}

func TestConsole_ScriptError(t *testing.T) {
	c, _, _ := newTestConsole(t)
	if _, err := c.Eval(`this is not valid javascript {{{`); err == nil {
		t.Error("Eval succeeded on invalid script, want a parse error")
	}
}

func addrLit(addr uint32) string {
	return itoa(int(addr))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
