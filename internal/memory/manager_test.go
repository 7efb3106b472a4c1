package memory

import "testing"

// fakeEngine is a minimal in-process stand-in for the CPU engine, backing
// guest addresses with a flat host byte slice indexed by offset from base.
type fakeEngine struct {
	data map[uint64][]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{data: map[uint64][]byte{}}
}

func (f *fakeEngine) Map(base, size uint64) error {
	f.data[base] = make([]byte, size)
	return nil
}

func (f *fakeEngine) Unmap(base, size uint64) error {
	delete(f.data, base)
	return nil
}

func (f *fakeEngine) findRegion(addr uint64) (uint64, []byte, bool) {
	for base, buf := range f.data {
		if addr >= base && addr < base+uint64(len(buf)) {
			return base, buf, true
		}
	}
	return 0, nil, false
}

func (f *fakeEngine) MemRead(addr, size uint64) ([]byte, error) {
	base, buf, ok := f.findRegion(addr)
	if !ok {
		return nil, ErrUnmapped
	}
	off := addr - base
	out := make([]byte, size)
	copy(out, buf[off:off+size])
	return out, nil
}

func (f *fakeEngine) MemWrite(addr uint64, data []byte) error {
	base, buf, ok := f.findRegion(addr)
	if !ok {
		return ErrUnmapped
	}
	off := addr - base
	copy(buf[off:], data)
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(newFakeEngine())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestHeapAllocFreeRoundTrip(t *testing.T) {
	m := newTestManager(t)

	a, err := m.HeapAlloc(100)
	if err != nil {
		t.Fatalf("HeapAlloc: %v", err)
	}
	if a%16 != 0 {
		t.Fatalf("alloc address 0x%x not 16-byte aligned", a)
	}

	if err := m.HeapFree(a); err != nil {
		t.Fatalf("HeapFree: %v", err)
	}
	if got := m.HeapFreeBytes(); got != HeapSize {
		t.Fatalf("expected full heap free after round trip, got %d", got)
	}

	b, err := m.HeapAlloc(100)
	if err != nil {
		t.Fatalf("HeapAlloc after free: %v", err)
	}
	if b != a {
		t.Fatalf("expected reuse of freed address 0x%x, got 0x%x", a, b)
	}
}

func TestHeapAllocCookies(t *testing.T) {
	m := newTestManager(t)

	a, err := m.HeapAlloc(32)
	if err != nil {
		t.Fatalf("HeapAlloc: %v", err)
	}
	front, err := m.checkCookie(a - 8)
	if err != nil || !front {
		t.Fatalf("front cookie missing: ok=%v err=%v", front, err)
	}
	back, err := m.checkCookie(a + 32)
	if err != nil || !back {
		t.Fatalf("back cookie missing: ok=%v err=%v", back, err)
	}
}

func TestHeapFreeCorruptionFatal(t *testing.T) {
	m := newTestManager(t)

	a, err := m.HeapAlloc(16)
	if err != nil {
		t.Fatalf("HeapAlloc: %v", err)
	}
	if err := m.Write(a-8, []byte{0xEF, 0xBE, 0xAD, 0xDE}); err != nil {
		t.Fatalf("corrupt cookie: %v", err)
	}
	err = m.HeapFree(a)
	if err == nil {
		t.Fatal("expected corruption error, got nil")
	}
	if _, ok := err.(*CorruptionError); !ok {
		t.Fatalf("expected *CorruptionError, got %T: %v", err, err)
	}
}

func TestHeapReallocShrinkPreservesPrefix(t *testing.T) {
	m := newTestManager(t)

	a, err := m.HeapAlloc(64)
	if err != nil {
		t.Fatalf("HeapAlloc: %v", err)
	}
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := m.Write(a, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b, err := m.HeapRealloc(a, 16)
	if err != nil {
		t.Fatalf("HeapRealloc shrink: %v", err)
	}
	if b != a {
		t.Fatalf("shrink should keep the same address, got 0x%x want 0x%x", b, a)
	}
	got, err := m.Read(b, 16)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, v := range got {
		if v != payload[i] {
			t.Fatalf("byte %d: got %d want %d", i, v, payload[i])
		}
	}
}

func TestHeapReallocGrowCopies(t *testing.T) {
	m := newTestManager(t)

	a, err := m.HeapAlloc(16)
	if err != nil {
		t.Fatalf("HeapAlloc: %v", err)
	}
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := m.Write(a, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b, err := m.HeapRealloc(a, 256)
	if err != nil {
		t.Fatalf("HeapRealloc grow: %v", err)
	}
	got, err := m.Read(b, 16)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, v := range got {
		if v != payload[i] {
			t.Fatalf("byte %d: got %d want %d", i, v, payload[i])
		}
	}
}

func TestStaticAllocOverlapRejected(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.StaticAlloc(0x10000000, 0x1000); err != nil {
		t.Fatalf("StaticAlloc: %v", err)
	}
	if _, err := m.StaticAlloc(0x10000000, 0x1000); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped, got %v", err)
	}
}

func TestStaticFreeHeapRejected(t *testing.T) {
	m := newTestManager(t)
	if err := m.StaticFree(HeapBase); err != ErrNotFreeable {
		t.Fatalf("expected ErrNotFreeable, got %v", err)
	}
}

func TestHeapAllocExhaustion(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.HeapAlloc(HeapSize); err != ErrAllocFail {
		t.Fatalf("expected ErrAllocFail for an over-capacity request, got %v", err)
	}
}
